package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewExecutionCmd создаёт группу команд для управления executions.
func NewExecutionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execution",
		Short: "Manage executions",
	}

	cmd.AddCommand(
		newExecutionListCmd(clientFn, outputFn),
		newExecutionStartCmd(clientFn, outputFn),
		newExecutionGetCmd(clientFn, outputFn),
		newExecutionPauseCmd(clientFn, outputFn),
		newExecutionResumeCmd(clientFn, outputFn),
		newExecutionCancelCmd(clientFn, outputFn),
		newExecutionTraceCmd(clientFn, outputFn),
	)

	return cmd
}

func newExecutionListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var definitionID string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			procs, err := client.ListExecutions(ListExecutionsOpts{
				DefinitionID: definitionID,
				Status:       status,
				Limit:        limit,
			})
			if err != nil {
				return err
			}

			headers := []string{"ID", "DEFINITION_ID", "STATUS", "SOURCE", "CREATED"}
			rows := make([][]string, len(procs))
			for i, p := range procs {
				rows[i] = []string{p.ID, p.DefinitionID, p.Status, p.Source, p.CreatedAt}
			}

			out.Print(headers, rows, procs)
			return nil
		},
	}

	cmd.Flags().StringVar(&definitionID, "definition-id", "", "Filter by definition ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, RUNNING, PAUSED, COMPLETED, FAILED, CANCELLED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newExecutionStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var version int
	var inputs []string
	var idempotencyKey string
	var tenantID string

	cmd := &cobra.Command{
		Use:   "start DEFINITION",
		Short: "Start a new execution (definition by UUID or key)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := StartExecutionRequest{
				IdempotencyKey: idempotencyKey,
				TenantID:       tenantID,
				Source:         "cli",
			}

			// Номер версии переводится в id версии: API закрепляет
			// выполнение только по version_id.
			if cmd.Flags().Changed("version") {
				v, err := client.GetVersion(args[0], strconv.Itoa(version))
				if err != nil {
					return err
				}
				req.VersionID = v.ID
			}

			if len(inputs) > 0 {
				req.Inputs = make(map[string]any)
				for _, kv := range inputs {
					parts := strings.SplitN(kv, "=", 2)
					if len(parts) != 2 {
						return fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
					}
					req.Inputs[parts[0]] = parts[1]
				}
			}

			proc, err := client.StartExecution(args[0], req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Execution started: %s", proc.ID))
			out.Print(
				[]string{"ID", "DEFINITION_ID", "STATUS", "SOURCE", "CREATED"},
				[][]string{{proc.ID, proc.DefinitionID, proc.Status, proc.Source, proc.CreatedAt}},
				proc,
			)
			return nil
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "Definition version (latest if not specified)")
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Input values as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key for safe retries")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID to run as")

	return cmd
}

func newExecutionGetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show execution details with its threads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			detail, err := client.GetExecution(args[0])
			if err != nil {
				return err
			}

			if out.JSONMode() {
				out.JSON(detail)
				return nil
			}

			p := detail.Process
			out.Detail([][2]string{
				{"ID", p.ID},
				{"Definition", p.DefinitionID},
				{"Version", p.VersionID},
				{"Status", p.Status},
				{"Source", p.Source},
				{"Started", p.StartedAt},
				{"Finished", p.FinishedAt},
			})
			out.Blank()

			headers := []string{"THREAD", "PARENT", "STATUS", "COMPLETED", "FAILED", "SKIPPED", "ERROR"}
			rows := make([][]string, len(detail.Threads))
			for i, t := range detail.Threads {
				errText := ""
				if t.Error != nil {
					errText = t.Error.Kind + ": " + t.Error.Message
				}
				rows[i] = []string{
					t.ID,
					t.ParentThreadID,
					t.Status,
					strconv.Itoa(t.CompletedCount),
					strconv.Itoa(t.FailedCount),
					strconv.Itoa(t.SkippedCount),
					errText,
				}
			}
			out.Table(headers, rows)
			return nil
		},
	}
}

func newExecutionPauseCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "pause ID",
		Short: "Pause a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			resp, err := client.PauseExecution(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Pause requested for execution %s", resp.ProcessID))
			return nil
		},
	}
}

func newExecutionResumeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "resume ID",
		Short: "Resume a paused execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			resp, err := client.ResumeExecution(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Resume requested for execution %s", resp.ProcessID))
			return nil
		},
	}
}

func newExecutionCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			resp, err := client.CancelExecution(args[0])
			if err != nil {
				return err
			}

			// Синхронный путь: PENDING-процесс отменён сразу.
			// Асинхронный: сигнал опубликован, движок отменит потоки.
			if resp.Action != "" {
				out.Success(fmt.Sprintf("Cancel requested for execution %s", resp.ProcessID))
			} else {
				out.Success(fmt.Sprintf("Execution cancelled: %s", resp.ID))
			}
			return nil
		},
	}
}

func newExecutionTraceCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "trace ID",
		Short: "Show the element trace of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			events, err := client.GetTrace(args[0])
			if err != nil {
				return err
			}

			headers := []string{"AT", "ELEMENT", "TYPE", "ATTEMPT", "STATUS", "REMOTE", "DURATION", "ERROR"}
			rows := make([][]string, len(events))
			for i, e := range events {
				remote := ""
				if e.Remote {
					remote = "yes"
				}
				errText := ""
				if e.ErrorKind != "" {
					errText = e.ErrorKind + ": " + e.ErrorMessage
				}
				rows[i] = []string{
					e.At,
					e.ElementKey,
					e.ElementType,
					strconv.Itoa(e.Attempt),
					e.Status,
					remote,
					fmt.Sprintf("%dms", e.DurationMs),
					errText,
				}
			}

			out.Print(headers, rows, events)
			return nil
		},
	}
}
