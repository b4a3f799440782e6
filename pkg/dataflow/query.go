package dataflow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/malbeclabs/deltaflow/pkg/duck"
)

var placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

// Query is a virtual Dataset defined by a SQL template. Placeholders of the
// form {dataset_name} are substituted with the sub-select clause of the
// corresponding input dataset at query-build time.
type Query struct {
	*Step
	datasetBase

	name   string
	sql    string
	inputs []Dataset
}

func NewQuery(log *slog.Logger, name, sqlTemplate string, inputs []Dataset, isCDC bool, pkList []string) (*Query, error) {
	q := &Query{
		Step:   NewStep(log, name, KindDataset),
		name:   name,
		sql:    sqlTemplate,
		inputs: inputs,
	}
	q.isCDC = isCDC
	q.pkList = pkList

	known := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		known[in.DatasetName()] = true
		if err := q.AddInput(in.Node()); err != nil {
			return nil, err
		}
	}
	var missing []string
	for _, m := range placeholderRe.FindAllStringSubmatch(sqlTemplate, -1) {
		if !known[m[1]] {
			missing = append(missing, m[1])
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("query %s references placeholders %v that match no input dataset", name, missing)
	}
	return q, nil
}

func (q *Query) DatasetName() string { return q.name }
func (q *Query) IsPersisted() bool   { return false }

func (q *Query) SubSelectClause() string {
	sql := q.sql
	for _, in := range q.inputs {
		sql = strings.ReplaceAll(sql, "{"+in.DatasetName()+"}", in.SubSelectClause())
	}
	return "(" + sql + ")"
}

func (q *Query) Schema(ctx context.Context, conn duck.Connection) (*arrow.Schema, error) {
	if q.schema != nil {
		return q.schema, nil
	}
	schema, err := querySchema(ctx, conn, q.SubSelectClause())
	if err != nil {
		return nil, fmt.Errorf("failed to discover schema of query %s: %w", q.name, err)
	}
	q.schema = schema
	return q.schema, nil
}

func (q *Query) Cols(ctx context.Context, conn duck.Connection) ([]string, error) {
	schema, err := q.Schema(ctx, conn)
	if err != nil {
		return nil, err
	}
	return schemaCols(schema), nil
}

// ShowData runs the presentation query configured with SetShowColumns and
// SetShowWhereClause over the query result.
func (q *Query) ShowData(ctx context.Context, conn duck.Connection) ([][]any, error) {
	return q.showData(ctx, conn, q.SubSelectClause())
}
