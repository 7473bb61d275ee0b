package cli

import (
	"fmt"
	"strconv"
	"strings"
)

type Mode string

const (
	ModeNone    Mode = ""
	ModeList    Mode = "t"
	ModeStat    Mode = "stat"
	ModeExtract Mode = "x"
	ModePreview Mode = "p"
)

const DefaultPreviewSize = 256

type Options struct {
	Mode Mode
	// Container is the archive to open: a local path, s3://bucket/key or an
	// S3 ARN.
	Container string
	// Chdir is the extraction destination, local or s3://bucket/prefix.
	Chdir string
	// Dir is the virtual directory inside the container that listings and
	// destination names are relative to.
	Dir         string
	Conflict    string
	Size        int
	Output      string
	Exclude     []string
	ExcludeFrom []string
	Verbose     bool
	Help        bool
	Members     []string
}

func Parse(args []string) (Options, error) {
	opts := Options{Conflict: "rename", Size: DefaultPreviewSize}
	if len(args) == 0 {
		return opts, fmt.Errorf("no operation mode specified")
	}

	if legacyToken(args[0]) {
		args = append([]string{"-" + args[0]}, args[1:]...)
	}

	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			opts.Members = append(opts.Members, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(a, "-") || a == "-" {
			opts.Members = append(opts.Members, args[i:]...)
			break
		}
		if strings.HasPrefix(a, "--") {
			name, value, hasValue := strings.Cut(a[2:], "=")
			switch name {
			case "stat":
				if err := setMode(&opts, ModeStat); err != nil {
					return opts, err
				}
			case "dir":
				v, nextI, err := resolveValue(name, value, hasValue, args, i)
				if err != nil {
					return opts, err
				}
				i = nextI
				opts.Dir = v
			case "conflict":
				v, nextI, err := resolveValue(name, value, hasValue, args, i)
				if err != nil {
					return opts, err
				}
				i = nextI
				switch strings.ToLower(v) {
				case "overwrite", "skip", "rename":
					opts.Conflict = strings.ToLower(v)
				default:
					return opts, fmt.Errorf("option --conflict must be overwrite, skip or rename")
				}
			case "size":
				v, nextI, err := resolveValue(name, value, hasValue, args, i)
				if err != nil {
					return opts, err
				}
				i = nextI
				n, err := strconv.Atoi(v)
				if err != nil || n <= 0 {
					return opts, fmt.Errorf("option --size requires a positive integer")
				}
				opts.Size = n
			case "output":
				v, nextI, err := resolveValue(name, value, hasValue, args, i)
				if err != nil {
					return opts, err
				}
				i = nextI
				opts.Output = v
			case "exclude":
				v, nextI, err := resolveValue(name, value, hasValue, args, i)
				if err != nil {
					return opts, err
				}
				i = nextI
				opts.Exclude = append(opts.Exclude, v)
			case "exclude-from":
				v, nextI, err := resolveValue(name, value, hasValue, args, i)
				if err != nil {
					return opts, err
				}
				i = nextI
				opts.ExcludeFrom = append(opts.ExcludeFrom, v)
			case "help":
				opts.Help = true
			default:
				return opts, fmt.Errorf("unsupported option --%s", name)
			}
			continue
		}

		shorts := a[1:]
		for j := 0; j < len(shorts); j++ {
			s := shorts[j]
			switch s {
			case 't':
				if err := setMode(&opts, ModeList); err != nil {
					return opts, err
				}
			case 'x':
				if err := setMode(&opts, ModeExtract); err != nil {
					return opts, err
				}
			case 'p':
				if err := setMode(&opts, ModePreview); err != nil {
					return opts, err
				}
			case 'v':
				opts.Verbose = true
			case 'h':
				opts.Help = true
			case 'f', 'C', 'o':
				var val string
				if j+1 < len(shorts) {
					val = shorts[j+1:]
				} else {
					i++
					if i >= len(args) {
						return opts, fmt.Errorf("option -%c requires an argument", s)
					}
					val = args[i]
				}
				switch s {
				case 'f':
					opts.Container = val
				case 'C':
					opts.Chdir = val
				default:
					opts.Output = val
				}
				j = len(shorts)
			default:
				return opts, fmt.Errorf("unsupported option -%c", s)
			}
		}
	}

	if opts.Help {
		return opts, nil
	}
	if opts.Mode == ModeNone {
		return opts, fmt.Errorf("no operation mode specified")
	}
	if opts.Container == "" && opts.Mode != ModePreview {
		return opts, fmt.Errorf("option -f is required")
	}
	if opts.Mode == ModeStat && len(opts.Members) == 0 {
		return opts, fmt.Errorf("--stat needs at least one entry path")
	}
	if opts.Mode == ModePreview && len(opts.Members) == 0 {
		return opts, fmt.Errorf("nothing to preview")
	}
	return opts, nil
}

func legacyToken(v string) bool {
	if strings.HasPrefix(v, "-") || v == "" {
		return false
	}
	for _, r := range v {
		switch r {
		case 'x', 't', 'p', 'v', 'f', 'C', 'o':
		default:
			return false
		}
	}
	return true
}

func setMode(opts *Options, mode Mode) error {
	if opts.Mode != ModeNone && opts.Mode != mode {
		return fmt.Errorf("multiple operation modes specified")
	}
	opts.Mode = mode
	return nil
}

func resolveValue(name, inline string, hasInline bool, args []string, i int) (string, int, error) {
	if hasInline {
		return inline, i, nil
	}
	i++
	if i >= len(args) {
		return "", i, fmt.Errorf("option --%s requires a value", name)
	}
	return args[i], i, nil
}
