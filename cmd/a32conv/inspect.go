package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/GMMan/aud32-decoder-client/internal/audio"
	"github.com/GMMan/aud32-decoder-client/internal/container"
	"github.com/GMMan/aud32-decoder-client/internal/converter"
	"github.com/GMMan/aud32-decoder-client/internal/protocol"
	"github.com/GMMan/aud32-decoder-client/internal/remote"
	"github.com/GMMan/aud32-decoder-client/internal/trace"
)

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the header of Audio32 files or converted WAV outputs",
		ArgsUsage: "<file>...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output format (yaml, json)",
				Value: "yaml",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("at least one file is required", 1)
			}

			format := c.String("format")
			if format != "yaml" && format != "json" {
				return cli.Exit(fmt.Sprintf("unknown format %q", format), 1)
			}

			infos := make([]interface{}, 0, c.NArg())
			for _, path := range c.Args().Slice() {
				info, err := inspectFile(path)
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				infos = append(infos, info)
			}

			return writeInfos(infos, format)
		},
	}
}

// wavReport describes a converted output file
type wavReport struct {
	Path          string `yaml:"path" json:"path"`
	audio.WAVInfo `yaml:",inline"`
}

// inspectFile summarises an Audio32 input or, for .wav paths, a converted output
func inspectFile(path string) (interface{}, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		info, err := audio.GetWAVInfo(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return wavReport{Path: path, WAVInfo: *info}, nil
	}

	f, err := container.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return f.Info(), nil
}

func writeInfos(infos []interface{}, format string) error {
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if len(infos) == 1 {
			return enc.Encode(infos[0])
		}
		return enc.Encode(infos)
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	for _, info := range infos {
		if err := enc.Encode(info); err != nil {
			return err
		}
	}
	return nil
}

func traceCommand() *cli.Command {
	return &cli.Command{
		Name:      "trace",
		Usage:     "List the context exchanges recorded in a trace file",
		ArgsUsage: "<trace_file>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "dump",
				Usage: "Hex dump the context header of every exchange",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("trace file is required", 1)
			}

			file, err := os.Open(c.Args().First())
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer file.Close()

			exchanges, err := trace.ReadAll(file)
			// a trace cut short by a crash still lists what was read
			printExchanges(exchanges, c.Bool("dump"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("trace truncated: %v", err), 1)
			}
			return nil
		},
	}
}

func printExchanges(exchanges []trace.Exchange, dump bool) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tDIR\tCOMMAND\tRESULT\tBYTES\tFILE")

	for _, e := range exchanges {
		result := "-"
		if e.Direction == trace.DirectionRead {
			if rc, err := protocol.ExtractResultCode(e.Data); err == nil {
				result = fmt.Sprintf("%d", rc)
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.Seq, e.Time.Format("15:04:05.000"), e.Direction, e.Command, result, len(e.Data), e.File)
	}
	w.Flush()

	if !dump {
		return
	}
	for _, e := range exchanges {
		header := e.Data
		if len(header) > protocol.HeaderSize+32 {
			header = header[:protocol.HeaderSize+32]
		}
		fmt.Printf("\n#%d %s %s @ 0x%08x\n%s", e.Seq, e.Direction, e.Command, e.Address, hex.Dump(header))
	}
}

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "Connect to the target and check the decoder context",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "target",
				Aliases: []string{"t"},
				Usage:   "GDB stub address (overrides target.address)",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if target := c.String("target"); target != "" {
				cfg.Target.Address = target
			}
			if err := cfg.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("invalid configuration: %v", err), 1)
			}

			logger := initLogger(cfg.Logging)
			ctx := context.Background()

			client, err := remote.DialGDB(ctx, gdbConfig(cfg.Target), logger)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer client.Close()

			conv, err := converter.New(client, cfg.Protocol.Layout(), logger)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if err := conv.Probe(ctx); err != nil {
				return cli.Exit(fmt.Sprintf("decoder probe failed: %v", err), 1)
			}

			fmt.Printf("decoder context found at 0x%08x on %s\n", cfg.Protocol.ContextAddress, cfg.Target.Address)
			return nil
		},
	}
}
