package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"ptl/pkg/hostfs"
	"ptl/pkg/memfs"
	"ptl/pkg/redirect"
	"ptl/pkg/vfs"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configPath string

type mountConfig struct {
	Prefix   string `yaml:"prefix"`
	Type     string `yaml:"type"`
	Root     string `yaml:"root"`
	Writable bool   `yaml:"writable"`
	Owner    uint32 `yaml:"owner"`
}

type symlinkConfig struct {
	Link   string `yaml:"link"`
	Target string `yaml:"target"`
}

type seedConfig struct {
	Path string `yaml:"path"`
	Data string `yaml:"data"`
}

type config struct {
	Mounts   []mountConfig   `yaml:"mounts"`
	Symlinks []symlinkConfig `yaml:"symlinks"`
	Seed     []seedConfig    `yaml:"seed"`
	Options  struct {
		SaveLogsToFile              bool   `yaml:"save_logs_to_file"`
		EnablePreopen               bool   `yaml:"enable_preopen"`
		AbortOnUnexpectedMemoryMaps bool   `yaml:"abort_on_unexpected_memory_maps"`
		LogDir                      string `yaml:"log_dir"`
		UID                         uint32 `yaml:"uid"`
	} `yaml:"options"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "ptl",
		Short: "POSIX translation layer inspection tool",
		Long: `ptl builds a virtual file system from a YAML mount config and lets you
poke at it through the same dispatch surface a translated application
would use.

Example:
  ptl --config mounts.yaml ls /system/lib`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Mount configuration file (required)")
	rootCmd.MarkPersistentFlagRequired("config")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "ls [path]",
			Short: "List a directory through the VFS",
			Args:  cobra.ExactArgs(1),
			RunE:  runLs,
		},
		&cobra.Command{
			Use:   "cat [path]",
			Short: "Print a file through the VFS",
			Args:  cobra.ExactArgs(1),
			RunE:  runCat,
		},
		&cobra.Command{
			Use:   "stat [path]",
			Short: "Stat a path through the VFS",
			Args:  cobra.ExactArgs(1),
			RunE:  runStat,
		},
		&cobra.Command{
			Use:   "readlink [path]",
			Short: "Read a symlink through the VFS",
			Args:  cobra.ExactArgs(1),
			RunE:  runReadlink,
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildVFS() (*vfs.VFS, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	var cfg config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}
	if len(cfg.Mounts) == 0 {
		return nil, fmt.Errorf("%s: no mounts configured", configPath)
	}

	v := vfs.New(vfs.Options{
		CurrentUID:                  cfg.Options.UID,
		EnablePreopen:               cfg.Options.EnablePreopen,
		SaveLogsToFile:              cfg.Options.SaveLogsToFile,
		LogDir:                      cfg.Options.LogDir,
		AbortOnUnexpectedMemoryMaps: cfg.Options.AbortOnUnexpectedMemoryMaps,
	})

	handlers := make(map[string]*redirect.Handler)
	for _, m := range cfg.Mounts {
		var under vfs.Handler
		switch m.Type {
		case "mem", "":
			mem := memfs.New(memfs.Config{WorldWritable: m.Writable})
			for _, s := range cfg.Seed {
				if strings.HasPrefix(s.Path, strings.TrimSuffix(m.Prefix, "/")+"/") || m.Prefix == "/" {
					mem.WriteFile(s.Path, []byte(s.Data), 0644)
				}
			}
			under = mem
		case "host":
			if m.Root == "" {
				return nil, fmt.Errorf("mount %s: host mount needs a root", m.Prefix)
			}
			under = hostfs.New(hostfs.Config{Root: m.Root, Writable: m.Writable})
		default:
			return nil, fmt.Errorf("mount %s: unknown type %q", m.Prefix, m.Type)
		}
		h := redirect.New(under)
		handlers[m.Prefix] = h
		if err := v.Mount(m.Prefix, h); err != nil {
			return nil, fmt.Errorf("mount %s: %w", m.Prefix, err)
		}
		if m.Owner != 0 {
			if err := v.ChangeOwner(m.Prefix, m.Owner); err != nil {
				return nil, fmt.Errorf("chown %s: %w", m.Prefix, err)
			}
		}
	}

	// Register each symlink on the handler owning the longest matching
	// mount prefix.
	prefixes := make([]string, 0, len(handlers))
	for p := range handlers {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, l := range cfg.Symlinks {
		for _, p := range prefixes {
			if strings.HasPrefix(l.Link, strings.TrimSuffix(p, "/")+"/") || p == "/" {
				handlers[p].AddSymlink(l.Target, l.Link)
				break
			}
		}
	}

	v.SetHostReady()
	return v, nil
}

func runLs(cmd *cobra.Command, args []string) error {
	v, err := buildVFS()
	if err != nil {
		return err
	}
	fd, err := v.Open(args[0], vfs.O_RDONLY|vfs.O_DIRECTORY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", args[0], err)
	}
	defer v.Close(fd)
	for {
		entries, err := v.Getdents(fd, 64)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%10d %s %s\n", e.Ino, dtName(e.Type), e.Name)
		}
	}
}

func runCat(cmd *cobra.Command, args []string) error {
	v, err := buildVFS()
	if err != nil {
		return err
	}
	fd, err := v.Open(args[0], vfs.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", args[0], err)
	}
	defer v.Close(fd)
	buf := make([]byte, 4096)
	for {
		n, err := v.Read(fd, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		os.Stdout.Write(buf[:n])
	}
}

func runStat(cmd *cobra.Command, args []string) error {
	v, err := buildVFS()
	if err != nil {
		return err
	}
	fi, err := v.Lstat(args[0])
	if err != nil {
		return fmt.Errorf("lstat %s: %w", args[0], err)
	}
	fmt.Printf("  File: %s\n", args[0])
	fmt.Printf("  Size: %-10d Inode: %-10d Links: %d\n", fi.Size, fi.Ino, fi.Nlink)
	fmt.Printf("  Mode: %#o   Uid: %d   Gid: %d\n", fi.Mode, fi.Uid, fi.Gid)
	fmt.Printf("Modify: %s\n", fi.ModTime)
	return nil
}

func runReadlink(cmd *cobra.Command, args []string) error {
	v, err := buildVFS()
	if err != nil {
		return err
	}
	target, err := v.Readlink(args[0])
	if err != nil {
		return fmt.Errorf("readlink %s: %w", args[0], err)
	}
	fmt.Println(target)
	return nil
}

func dtName(t uint8) string {
	switch t {
	case vfs.DTDir:
		return "d"
	case vfs.DTLnk:
		return "l"
	case vfs.DTReg:
		return "-"
	case vfs.DTFifo:
		return "p"
	case vfs.DTSock:
		return "s"
	case vfs.DTChr:
		return "c"
	case vfs.DTBlk:
		return "b"
	default:
		return "?"
	}
}
