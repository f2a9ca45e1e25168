package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewDefinitionCmd создаёт группу команд для управления definitions.
func NewDefinitionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "definition",
		Short: "Manage workflow definitions",
	}

	cmd.AddCommand(
		newDefinitionListCmd(clientFn, outputFn),
		newDefinitionGetCmd(clientFn, outputFn),
		newDefinitionPushCmd(clientFn, outputFn),
		newDefinitionActivateCmd(clientFn, outputFn),
		newDefinitionDeactivateCmd(clientFn, outputFn),
		newDefinitionDeleteCmd(clientFn, outputFn),
		newDefinitionVersionsCmd(clientFn, outputFn),
	)

	return cmd
}

func newDefinitionListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			defs, err := client.ListDefinitions()
			if err != nil {
				return err
			}

			headers := []string{"ID", "KEY", "NAME", "ACTIVE", "CREATED"}
			rows := make([][]string, len(defs))
			for i, d := range defs {
				rows[i] = []string{d.ID, d.Key, d.Name, strconv.FormatBool(d.IsActive), d.CreatedAt}
			}

			out.Print(headers, rows, defs)
			return nil
		},
	}
}

func newDefinitionGetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "get DEFINITION",
		Short: "Show definition details (by UUID or key)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			def, err := client.GetDefinition(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "KEY", "NAME", "ACTIVE", "CREATED"},
				[][]string{{def.ID, def.Key, def.Name, strconv.FormatBool(def.IsActive), def.CreatedAt}},
				def,
			)
			return nil
		},
	}
}

func newDefinitionPushCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var activate bool

	cmd := &cobra.Command{
		Use:   "push FILE",
		Short: "Push a new definition version from a YAML file",
		Long: `Push a new definition version from a YAML file.

The file declares elements with string keys and connections that
reference those keys. Missing definitions are created on the fly,
so push is the single command needed to get a workflow onto the
server. With --activate the definition is activated after the push.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			df, err := loadDefinitionFile(args[0])
			if err != nil {
				return err
			}

			graph, err := df.compileGraph()
			if err != nil {
				return err
			}

			data, err := json.Marshal(graph)
			if err != nil {
				return fmt.Errorf("failed to encode graph: %w", err)
			}

			// Definition создаётся при первом push по ключу из файла.
			if _, err := client.GetDefinition(df.Key); err != nil {
				if !IsNotFound(err) {
					return err
				}
				def, err := client.CreateDefinition(df.Key, df.Name)
				if err != nil {
					return err
				}
				out.Success(fmt.Sprintf("Definition created: %s (%s)", df.Key, def.ID))
			}

			version, err := client.PushVersion(df.Key, json.RawMessage(data))
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Version %d pushed for definition %s", version.Version, df.Key))

			if activate {
				if _, err := client.ActivateDefinition(df.Key); err != nil {
					return err
				}
				out.Success(fmt.Sprintf("Definition activated: %s", df.Key))
			}

			out.Print(
				[]string{"DEFINITION_ID", "VERSION", "CREATED"},
				[][]string{{version.DefinitionID, strconv.Itoa(version.Version), version.CreatedAt}},
				version,
			)
			return nil
		},
	}

	cmd.Flags().BoolVar(&activate, "activate", false, "Activate the definition after pushing")

	return cmd
}

func newDefinitionActivateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "activate DEFINITION",
		Short: "Activate a definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			def, err := client.ActivateDefinition(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Definition activated: %s", def.Key))
			out.Print(
				[]string{"ID", "KEY", "NAME", "ACTIVE", "CREATED"},
				[][]string{{def.ID, def.Key, def.Name, strconv.FormatBool(def.IsActive), def.CreatedAt}},
				def,
			)
			return nil
		},
	}
}

func newDefinitionDeactivateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate DEFINITION",
		Short: "Deactivate a definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			def, err := client.DeactivateDefinition(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Definition deactivated: %s", def.Key))
			out.Print(
				[]string{"ID", "KEY", "NAME", "ACTIVE", "CREATED"},
				[][]string{{def.ID, def.Key, def.Name, strconv.FormatBool(def.IsActive), def.CreatedAt}},
				def,
			)
			return nil
		},
	}
}

func newDefinitionDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete DEFINITION",
		Short: "Delete a definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.DeleteDefinition(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Definition deleted: %s", args[0]))
			return nil
		},
	}
}

func newDefinitionVersionsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "versions DEFINITION",
		Short: "List definition versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			versions, err := client.ListVersions(args[0])
			if err != nil {
				return err
			}

			headers := []string{"DEFINITION_ID", "VERSION", "CREATED"}
			rows := make([][]string, len(versions))
			for i, v := range versions {
				rows[i] = []string{v.DefinitionID, strconv.Itoa(v.Version), v.CreatedAt}
			}

			out.Print(headers, rows, versions)
			return nil
		},
	}
}
