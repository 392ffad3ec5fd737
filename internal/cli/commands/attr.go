package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"chirri/internal/common"
	"chirri/internal/compress"
	"chirri/internal/storage"
	"chirri/internal/workspace"
)

var attrCmd = &cobra.Command{
	Use:   "attr",
	Short: "Inspect and change index attributes",
	Long: `Inspect and change the typed attributes kept in the index.

Attributes marked "save" are part of config backups. Counters and the
index status are maintained by chirri and cannot be changed here.

Examples:
  chirri attr list
  chirri attr get compression
  chirri attr set compression lz4
  chirri attr set --type int --save retention_days 30`,
}

var attrListCmd = &cobra.Command{
	Use:   "list",
	Short: "List attributes",
	Args:  cobra.NoArgs,
	RunE:  runAttrList,
}

var attrGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one attribute",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttrGet,
}

var attrSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set an attribute, creating it if needed",
	Args:  cobra.ExactArgs(2),
	RunE:  runAttrSet,
}

var attrDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete an attribute",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttrDelete,
}

var (
	attrType string
	attrSave bool
)

// managedAttrs are maintained by chirri itself.
var managedAttrs = map[string]bool{
	storage.AttrDBVersion:       true,
	storage.AttrStatus:          true,
	storage.AttrLastSnapshotID:  true,
	storage.AttrLastExcludeID:   true,
	storage.AttrLastConfigID:    true,
	storage.AttrRebuildSnapshot: true,
}

func init() {
	attrSetCmd.Flags().StringVar(&attrType, "type", string(storage.TypeStr), "Type of a new attribute: str, int, bool")
	attrSetCmd.Flags().BoolVar(&attrSave, "save", false, "Include a new attribute in config backups")
	attrCmd.AddCommand(attrListCmd, attrGetCmd, attrSetCmd, attrDeleteCmd)
	rootCmd.AddCommand(attrCmd)
}

func runAttrList(cmd *cobra.Command, args []string) error {
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		attrs, err := ws.Index.ListAttrs(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, a := range attrs {
			save := ""
			if a.Save {
				save = " (save)"
			}
			fmt.Fprintf(out, "%-24s %-4s %s%s\n", a.Key, a.Value.Type, a.Value, save)
		}
		return nil
	})
}

func runAttrGet(cmd *cobra.Command, args []string) error {
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		v, err := ws.Index.GetAttr(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	})
}

func runAttrSet(cmd *cobra.Command, args []string) error {
	key, text := args[0], args[1]
	if managedAttrs[key] {
		return fmt.Errorf("attribute %s is maintained by chirri", key)
	}
	if key == storage.AttrCompression {
		text = compress.Normalize(text)
		if err := compress.Validate(text); err != nil {
			return err
		}
	}
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		ctx := cmd.Context()
		cur, err := ws.Index.GetAttr(ctx, key)
		if errors.Is(err, common.ErrUnknownAttribute) {
			t, err := storage.ParseAttrType(attrType)
			if err != nil {
				return err
			}
			v, err := storage.ParseValue(t, text)
			if err != nil {
				return err
			}
			return ws.Index.NewAttr(ctx, key, attrSave, v)
		}
		if err != nil {
			return err
		}
		v, err := storage.ParseValue(cur.Type, text)
		if err != nil {
			return err
		}
		return ws.Index.SetAttr(ctx, key, v)
	})
}

func runAttrDelete(cmd *cobra.Command, args []string) error {
	key := args[0]
	if managedAttrs[key] || key == storage.AttrStorageType || key == storage.AttrCompression {
		return fmt.Errorf("attribute %s cannot be deleted", key)
	}
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		return ws.Index.DeleteAttr(cmd.Context(), key)
	})
}
