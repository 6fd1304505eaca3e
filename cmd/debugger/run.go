package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/runtime"
)

// errNotFixed makes the process exit 1 without an extra error line; the
// JSON result already explains the outcome.
var errNotFixed = errors.New("code was not fixed")

type runOptions struct {
	codeFile      string
	logFile       string
	maxIterations int
	model         string
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Debug one piece of code and print the JSON result",
		Long: `Debug one piece of code. The code and the error log come from --code-file
and --log-file, or from a JSON request on stdin:

  {"code": "...", "error_log": "...", "max_iterations": 3, "model": "gpt-4"}

The oracle credential defaults to OPENAI_API_KEY. Exits 1 when the code
was not fixed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logger, flush, err := a.newLogger(cfg)
			if err != nil {
				return err
			}
			defer flush()

			req, err := readRequest(cmd.InOrStdin(), opts)
			if err != nil {
				return err
			}
			if req.APIKey == "" {
				req.APIKey = cfg.Oracle.APIKey
			}

			wf, err := a.newWorkflow(cfg, logger)
			if err != nil {
				return err
			}
			st, runErr := wf.Run(cmd.Context(), req)
			if runtime.IsInvalidRequest(runErr) {
				return runErr
			}
			if runErr != nil {
				logger.Warn("cli_run_residual_error", "error", runErr.Error())
			}

			res := runtime.ResultOf(st, runErr)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			if !res.IsFixed {
				return errNotFixed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.codeFile, "code-file", "", "File holding the buggy code")
	cmd.Flags().StringVar(&opts.logFile, "log-file", "", "File holding the error log")
	cmd.Flags().IntVar(&opts.maxIterations, "max-iterations", 0, "Fix-review iterations (default from config)")
	cmd.Flags().StringVar(&opts.model, "model", "", "Oracle model (default from config)")
	cmd.MarkFlagsRequiredTogether("code-file", "log-file")
	return cmd
}

// readRequest builds the request from the files in opts, or decodes it from
// stdin when no files are given. Flags override decoded fields.
func readRequest(stdin io.Reader, opts runOptions) (runtime.Request, error) {
	var req runtime.Request
	if opts.codeFile != "" {
		code, err := os.ReadFile(opts.codeFile)
		if err != nil {
			return req, fmt.Errorf("read code file: %w", err)
		}
		errLog, err := os.ReadFile(opts.logFile)
		if err != nil {
			return req, fmt.Errorf("read log file: %w", err)
		}
		req.Code, req.ErrorLog = string(code), string(errLog)
	} else {
		dec := json.NewDecoder(stdin)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return req, fmt.Errorf("decode request from stdin: %w", err)
		}
	}
	if opts.maxIterations != 0 {
		req.MaxIterations = opts.maxIterations
	}
	if opts.model != "" {
		req.Model = opts.model
	}
	return req, nil
}
