package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/acplink/acplink/internal/config"
	"github.com/acplink/acplink/internal/grant"
)

var grantsProject string

var grantsCmd = &cobra.Command{
	Use:   "grants",
	Short: "Manage stored permission decisions",
	Long: `Inspect and revoke stored "always" permission decisions.

Grants are scoped to a project directory and keyed by tool kind; an
agent asking for a permission covered by a grant gets its answer
without a prompt.`,
}

var grantsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List grants for a project",
	RunE:    runGrantsList,
}

var grantsClearCmd = &cobra.Command{
	Use:   "clear [grantID]",
	Short: "Revoke one grant by id, or all grants for the project",
	RunE:  runGrantsClear,
}

func init() {
	grantsCmd.PersistentFlags().StringVar(&grantsProject, "project", "", "Project directory (defaults to current)")
	grantsCmd.AddCommand(grantsListCmd)
	grantsCmd.AddCommand(grantsClearCmd)
}

func openGrantStore(project string) (*grant.Store, error) {
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(project)
	if err != nil {
		return nil, err
	}
	if cfg.DataDir != "" {
		return grant.NewStore(filepath.Join(cfg.DataDir, "grants.db"))
	}
	return grant.NewStore(paths.GrantDBPath())
}

func runGrantsList(cmd *cobra.Command, args []string) error {
	project, err := GetWorkDir(grantsProject)
	if err != nil {
		return err
	}

	store, err := openGrantStore(project)
	if err != nil {
		return err
	}
	defer store.Close()

	grants, err := store.List(cmd.Context(), project)
	if err != nil {
		return err
	}
	if len(grants) == 0 {
		fmt.Println("No grants stored for", project)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tDECISION\tTOOL\tCREATED\t")
	for _, g := range grants {
		decision := "reject"
		if g.Granted {
			decision = "allow"
		}
		created := time.UnixMilli(g.CreatedAt).Format(time.RFC3339)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t\n", g.ID, g.ToolKind, decision, g.ToolTitle, created)
	}
	return w.Flush()
}

func runGrantsClear(cmd *cobra.Command, args []string) error {
	project, err := GetWorkDir(grantsProject)
	if err != nil {
		return err
	}

	store, err := openGrantStore(project)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) > 0 {
		if err := store.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Revoked grant", args[0])
		return nil
	}

	n, err := store.DeleteAll(cmd.Context(), project)
	if err != nil {
		return err
	}
	fmt.Printf("Revoked %d grant(s) for %s\n", n, project)
	return nil
}
