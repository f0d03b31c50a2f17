package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftsh/drift/internal/registry"
)

func managerURL(cmd *cobra.Command) string {
	if v, _ := cmd.Flags().GetString("manager"); v != "" {
		return v
	}
	if v := os.Getenv("DRIFT_MANAGER_URL"); v != "" {
		return v
	}
	return "http://127.0.0.1:7070"
}

func main() {
	root := &cobra.Command{
		Use:   "drift",
		Short: "drift terminal session CLI",
	}
	root.PersistentFlags().String("manager", "", "session manager URL")

	list := &cobra.Command{
		Use:   "list",
		Short: "list sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sessions []*registry.Session
			if err := newClient(managerURL(cmd)).do("GET", "/api/sessions", nil, &sessions); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tKIND\tBACKEND\tSTATUS\tLAST ACTIVITY")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.Name, s.Kind, s.Backend, s.Status,
					s.LastActivity.Local().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			workspace, _ := cmd.Flags().GetString("workspace")
			kind, _ := cmd.Flags().GetString("kind")
			be, _ := cmd.Flags().GetString("backend")
			skip, _ := cmd.Flags().GetBool("skip-permissions")
			resume, _ := cmd.Flags().GetString("resume")

			if workspace == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				workspace = wd
			}
			abs, err := filepath.Abs(workspace)
			if err != nil {
				return err
			}

			body := map[string]any{
				"name":            name,
				"workspacePath":   abs,
				"kind":            kind,
				"backend":         be,
				"skipPermissions": skip,
				"agentResumeId":   resume,
			}
			var sess registry.Session
			if err := newClient(managerURL(cmd)).do("POST", "/api/sessions", body, &sess); err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", sess.ID, sess.Name)
			return nil
		},
	}
	create.Flags().String("name", "", "session label")
	create.Flags().String("workspace", "", "workspace path (default: cwd)")
	create.Flags().String("kind", "", "shell or agent")
	create.Flags().String("backend", "", "direct_pty or muxed")
	create.Flags().Bool("skip-permissions", false, "pass the agent's skip-permissions flag")
	create.Flags().String("resume", "", "agent resume id")

	kill := &cobra.Command{
		Use:   "kill <id>",
		Short: "kill a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(managerURL(cmd)).do("DELETE", "/api/sessions/"+args[0], nil, nil)
		},
	}

	rename := &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "rename a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"name": args[1]}
			return newClient(managerURL(cmd)).do("PUT", "/api/sessions/"+args[0], body, nil)
		},
	}

	send := &cobra.Command{
		Use:   "send <id> <keys>",
		Short: "inject bytes into a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"keys": args[1]}
			return newClient(managerURL(cmd)).do("POST", "/api/sessions/"+args[0]+"/send", body, nil)
		},
	}

	output := &cobra.Command{
		Use:   "output <id>",
		Short: "print a snapshot of recent output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, _ := cmd.Flags().GetInt("lines")
			var data struct {
				Output string `json:"output"`
			}
			path := fmt.Sprintf("/api/sessions/%s/output?lines=%d", args[0], lines)
			if err := newClient(managerURL(cmd)).do("GET", path, nil, &data); err != nil {
				return err
			}
			fmt.Println(data.Output)
			return nil
		},
	}
	output.Flags().Int("lines", 100, "number of lines")

	attach := &cobra.Command{
		Use:   "attach <id>",
		Short: "attach this terminal to a session (detach with Ctrl-])",
		Args:  cobra.ExactArgs(1),
		RunE:  runAttach,
	}
	attach.Flags().Bool("preview", false, "attach as a preview client")

	root.AddCommand(list, create, kill, rename, send, output, attach)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
