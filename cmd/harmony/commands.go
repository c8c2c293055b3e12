package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	harmony "github.com/euforicio/harmony-bridge"
	"github.com/euforicio/harmony-bridge/native"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (a *app) writeJSON(v any) error {
	return json.NewEncoder(a.out).Encode(v)
}

// textArg returns the single argument or, without one, all of stdin.
func (a *app) textArg(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	b, err := io.ReadAll(a.in)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(b), nil
}

func optionalFlag(cmd *cobra.Command, name string) harmony.Optional {
	if !cmd.Flags().Changed(name) {
		return harmony.Absent()
	}
	v, _ := cmd.Flags().GetString(name)
	return harmony.Present(v)
}

func (a *app) encodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encode [text]",
		Short: "Encode text without interpreting special tokens",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := a.textArg(args)
			if err != nil {
				return err
			}
			enc, err := a.encoder(cmd.Context())
			if err != nil {
				return err
			}
			toks, err := enc.EncodePlain(text)
			if err != nil {
				return err
			}
			return a.writeJSON(toks)
		},
	}
}

func (a *app) renderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render [user message]",
		Short: "Render a prompt for the assistant's next turn",
		Long: `Render a user message, with an optional system message and assistant
prefix, into prompt tokens. An omitted flag and an empty flag value are
different requests: --system "" renders an empty system message.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := a.textArg(args)
			if err != nil {
				return err
			}
			enc, err := a.encoder(cmd.Context())
			if err != nil {
				return err
			}
			toks, err := enc.RenderPrompt(optionalFlag(cmd, "system"), user, optionalFlag(cmd, "assistant-prefix"))
			if err != nil {
				return err
			}
			return a.writeJSON(toks)
		},
	}
	cmd.Flags().String("system", "", "system message")
	cmd.Flags().String("assistant-prefix", "", "text the assistant turn starts with")
	return cmd
}

func (a *app) decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode [token...]",
		Short: "Decode tokens given as arguments or as a JSON array on stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tokens []uint32
			if len(args) > 0 {
				for _, s := range args {
					t, err := strconv.ParseUint(s, 10, 32)
					if err != nil {
						return fmt.Errorf("token %q: %w", s, err)
					}
					tokens = append(tokens, uint32(t))
				}
			} else if err := json.NewDecoder(a.in).Decode(&tokens); err != nil {
				return fmt.Errorf("read tokens: %w", err)
			}
			enc, err := a.encoder(cmd.Context())
			if err != nil {
				return err
			}
			s, err := enc.Decode(tokens)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, s)
			return err
		},
	}
}

func (a *app) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Print the tokens that end an assistant turn",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc, err := a.encoder(cmd.Context())
			if err != nil {
				return err
			}
			toks, err := enc.StopTokens()
			if err != nil {
				return err
			}
			return a.writeJSON(toks)
		},
	}
}

func (a *app) streamCmd() *cobra.Command {
	var chunkSize int
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Encode stdin incrementally, one JSON array per final batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if chunkSize <= 0 {
				return fmt.Errorf("chunk size must be positive, got %d", chunkSize)
			}
			enc, err := a.encoder(cmd.Context())
			if err != nil {
				return err
			}
			st, err := enc.NewStream()
			if err != nil {
				return err
			}
			defer st.Release()

			r := bufio.NewReaderSize(a.in, chunkSize)
			buf := make([]byte, chunkSize)
			for {
				n, rerr := r.Read(buf)
				if n > 0 {
					toks, err := st.Feed(buf[:n])
					if err != nil {
						return err
					}
					if len(toks) > 0 {
						if err := a.writeJSON(toks); err != nil {
							return err
						}
					}
				}
				if errors.Is(rerr, io.EOF) {
					break
				}
				if rerr != nil {
					return fmt.Errorf("read stdin: %w", rerr)
				}
			}
			rest, err := st.Flush()
			if err != nil {
				return err
			}
			if len(rest) > 0 {
				return a.writeJSON(rest)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 4096, "bytes read from stdin per feed")
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(a.out)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func (a *app) backendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the engine backends compiled into this binary",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			for _, name := range native.Backends() {
				if _, err := fmt.Fprintln(a.out, name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
