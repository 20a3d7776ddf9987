// Package query contains the command to run one query without starting
// a server.
package query

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polyquery/polyquery/cmd/run"
	"github.com/polyquery/polyquery/pkg/logger"
	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/router"
)

const (
	backendFlag    = "backend"
	filterFlag     = "filter"
	formulaFlag    = "formula"
	cursorFlag     = "continuation-token"
	pageSizeFlag   = "page-size"
	descendingFlag = "descending"
	strictFlag     = "strict"
)

type output struct {
	Records           []*record.Record `json:"records"`
	ContinuationToken string           `json:"continuation_token"`
}

func NewQueryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query ENTITY",
		Short: "Run one query against the configured backends and print the page as JSON",
		Long: `Run one query against the backends declared in the config file and print
the resulting page as JSON. Pass the printed continuation token back with
--continuation-token to read the next page.`,
		RunE: runQuery,
		Args: cobra.ExactArgs(1),
	}

	flags := cmd.Flags()
	flags.String(backendFlag, "", "read only this source of the entity")
	flags.String(filterFlag, "", "a CEL predicate over canonical fields")
	flags.String(formulaFlag, "", "an arithmetic formula stored in the result field of every record")
	flags.String(cursorFlag, "", "the continuation token of the previous page")
	flags.Int(pageSizeFlag, 0, "the number of records per page (0 uses the configured default)")
	flags.Bool(descendingFlag, false, "walk the entity in descending keyset order")
	flags.Bool(strictFlag, false, "fail on formula errors instead of yielding null (defaults to 'evaluation.strict')")

	return cmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, err := run.ReadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Verify(); err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}

	engine, err := run.Build(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer engine.Close()

	flags := cmd.Flags()
	req := router.Request{Entity: args[0]}
	req.Backend, _ = flags.GetString(backendFlag)
	req.Filter, _ = flags.GetString(filterFlag)
	req.Formula, _ = flags.GetString(formulaFlag)
	req.Cursor, _ = flags.GetString(cursorFlag)
	req.PageSize, _ = flags.GetInt(pageSizeFlag)
	req.Descending, _ = flags.GetBool(descendingFlag)
	if flags.Changed(strictFlag) {
		strict, _ := flags.GetBool(strictFlag)
		req.Strict = &strict
	}

	result, err := engine.Router.Execute(cmd.Context(), req)
	if err != nil {
		return err
	}

	out := output{Records: result.Records, ContinuationToken: result.Cursor}
	if out.Records == nil {
		out.Records = []*record.Record{}
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
