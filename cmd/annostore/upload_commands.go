package main

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"annostore/internal/ingest"
	"annostore/internal/task"
	"annostore/internal/upload"
	"annostore/internal/upstream/store"
)

type uploadFlags struct {
	media          []string
	params         []string
	corpus         string
	episode        string
	transcriptType string
	noGenerate     bool
	waitSeconds    int
	release        bool
	prompt         bool
}

func newUploadCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload transcripts and media",
	}
	cmd.AddCommand(newUploadItemCommand(ctx, false))
	cmd.AddCommand(newUploadItemCommand(ctx, true))
	cmd.AddCommand(newUploadAbandonCommand(ctx))
	return cmd
}

func newUploadItemCommand(ctx *commandContext, merge bool) *cobra.Command {
	var flags uploadFlags
	use, short := "new <transcript>...", "Upload new transcripts"
	if merge {
		use, short = "update <transcript>...", "Upload new versions of existing transcripts"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.storeClient()
			if err != nil {
				return err
			}
			files, err := loadFiles(args, flags.media)
			if err != nil {
				return err
			}
			params, err := parseKeyValues(flags.params)
			if err != nil {
				return err
			}
			var resolver upload.ParameterResolver
			if flags.prompt {
				resolver = promptResolver(cmd.InOrStdin(), cmd.ErrOrStderr())
			}

			logger := ctx.logger()
			svc := ingest.New(
				upload.New(client, upload.WithLogger(logger)),
				func(id string) ingest.Waiter { return task.New(client, id, task.WithLogger(logger)) },
				ctx.cfg.WaitMaxSeconds,
				logger,
			)
			in := ingest.Input{
				Files:       files,
				Merge:       merge,
				Wait:        cmd.Flags().Changed("wait"),
				WaitSeconds: flags.waitSeconds,
				Release:     flags.release,
				New: upload.NewItemOptions{
					Corpus:             flags.corpus,
					Episode:            flags.episode,
					TranscriptType:     flags.transcriptType,
					SuppressGeneration: flags.noGenerate,
					Parameters:         params,
					Resolver:           resolver,
				},
				Update: upload.UpdateItemOptions{
					SuppressGeneration: flags.noGenerate,
					Parameters:         params,
					Resolver:           resolver,
				},
			}
			result, err := svc.Process(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printUploadResult(cmd, ctx, result)
		},
	}
	fs := cmd.Flags()
	fs.StringArrayVar(&flags.media, "media", nil, "Media file, as path or suffix=path for a secondary track (repeatable)")
	fs.StringArrayVar(&flags.params, "param", nil, "Upload parameter as name=value (repeatable)")
	fs.BoolVar(&flags.noGenerate, "no-generate", false, "Do not run layer generation after the upload")
	fs.IntVar(&flags.waitSeconds, "wait", 0, "Wait for the spawned tasks, at most this many seconds (0 uses WAIT_MAX_SECONDS)")
	fs.BoolVar(&flags.release, "release", false, "Release tasks that finished while waiting")
	fs.BoolVar(&flags.prompt, "prompt", false, "Ask on the terminal for parameters the store needs")
	if !merge {
		fs.StringVar(&flags.corpus, "corpus", "", "Corpus for the new transcripts")
		fs.StringVar(&flags.episode, "episode", "", "Episode name (defaults to the transcript name)")
		fs.StringVar(&flags.transcriptType, "type", "", "Transcript type")
	}
	return cmd
}

func newUploadAbandonCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <upload-id>",
		Short: "Delete a staged upload that was never finalized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.storeClient()
			if err != nil {
				return err
			}
			if err := upload.New(client, upload.WithLogger(ctx.logger())).Abandon(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("abandon upload %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted staged upload %s\n", args[0])
			return nil
		},
	}
}

func loadFiles(transcripts, media []string) (upload.Files, error) {
	files := upload.Files{Media: map[string][]store.File{}}
	for _, path := range transcripts {
		src, err := store.NewPathSource(path)
		if err != nil {
			return upload.Files{}, err
		}
		files.Transcripts = append(files.Transcripts, store.FileFrom(src))
	}
	for _, spec := range media {
		suffix, path, ok := strings.Cut(spec, "=")
		if !ok {
			suffix, path = "", spec
		}
		src, err := store.NewPathSource(path)
		if err != nil {
			return upload.Files{}, err
		}
		files.Media[suffix] = append(files.Media[suffix], store.FileFrom(src))
	}
	return files, nil
}

func parseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected name=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

// promptResolver asks for required parameters only; optional ones keep the
// store's default.
func promptResolver(in io.Reader, out io.Writer) upload.ParameterResolver {
	scanner := bufio.NewScanner(in)
	return func(p upload.Parameter) (string, bool) {
		if !p.Required {
			return "", false
		}
		label := p.Label
		if label == "" {
			label = p.Name
		}
		if len(p.PossibleValues) > 0 {
			options := make([]string, 0, len(p.PossibleValues))
			for _, v := range p.PossibleValues {
				options = append(options, fmt.Sprint(v))
			}
			fmt.Fprintf(out, "%s [%s]: ", label, strings.Join(options, ", "))
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		if !scanner.Scan() {
			return "", false
		}
		value := strings.TrimSpace(scanner.Text())
		return value, value != ""
	}
}

func printUploadResult(cmd *cobra.Command, ctx *commandContext, result ingest.Result) error {
	if ctx.jsonOutput {
		return writeJSON(cmd, uploadJSON(result))
	}
	outcomes := make(map[string]ingest.TaskOutcome, len(result.Outcomes))
	for _, o := range result.Outcomes {
		outcomes[o.Name] = o
	}
	names := make([]string, 0, len(result.Tasks))
	for name := range result.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		row := []string{name, result.Tasks[name], "", ""}
		if o, ok := outcomes[name]; ok {
			switch {
			case o.Err != nil:
				row[2] = "error: " + o.Err.Error()
			case o.Status != nil && o.Status.Running:
				row[2] = "running"
			case o.Status != nil:
				row[2] = "finished"
				row[3] = o.Status.ResultURL
			}
		}
		rows = append(rows, row)
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"Item", "Task", "State", "Result"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft},
	))
	return nil
}

type outcomeJSON struct {
	Item     string       `json:"item"`
	TaskID   string       `json:"task_id"`
	Status   *task.Status `json:"status,omitempty"`
	Error    string       `json:"error,omitempty"`
	Released bool         `json:"released"`
}

func uploadJSON(result ingest.Result) map[string]any {
	outcomes := make([]outcomeJSON, 0, len(result.Outcomes))
	for _, o := range result.Outcomes {
		out := outcomeJSON{Item: o.Name, TaskID: o.TaskID, Status: o.Status, Released: o.Released}
		if o.Err != nil {
			out.Error = o.Err.Error()
		}
		outcomes = append(outcomes, out)
	}
	return map[string]any{
		"tasks":    result.Tasks,
		"outcomes": outcomes,
		"timings_ms": map[string]int64{
			"upload": result.Timings.Upload.Milliseconds(),
			"wait":   result.Timings.Wait.Milliseconds(),
			"total":  result.Timings.Total.Milliseconds(),
		},
	}
}
