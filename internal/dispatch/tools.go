package dispatch

import (
	"context"
	"encoding/json"

	"github.com/loopwork/reactor/internal/domain"
)

// RegisterBuiltins installs the built-in analysis tools.
//
// data_query answers directly from the sample dataset. The two
// analysis tools run as jobs on the runner backend.
func RegisterBuiltins(d *Dispatcher) {
	d.Register(Tool{Name: "data_query", Kind: domain.ToolKindSync, Run: runDataQuery})
	d.Register(Tool{Name: "causal_analysis", Kind: domain.ToolKindJob})
	d.Register(Tool{Name: "eda_analysis", Kind: domain.ToolKindJob})
}

type dataQueryParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// sampleRows is a small fixed dataset for data_query. A deployment
// wires a real catalog behind the same tool name.
var sampleRows = []map[string]interface{}{
	{"customer_id": "c001", "tenure_months": 24, "monthly_price": 49.0, "churned": false},
	{"customer_id": "c002", "tenure_months": 3, "monthly_price": 79.0, "churned": true},
	{"customer_id": "c003", "tenure_months": 18, "monthly_price": 59.0, "churned": false},
	{"customer_id": "c004", "tenure_months": 1, "monthly_price": 99.0, "churned": true},
	{"customer_id": "c005", "tenure_months": 36, "monthly_price": 39.0, "churned": false},
}

func runDataQuery(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p dataQueryParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}

	limit := p.Limit
	if limit <= 0 || limit > len(sampleRows) {
		limit = len(sampleRows)
	}

	out, err := json.Marshal(map[string]interface{}{
		"query": p.Query,
		"rows":  sampleRows[:limit],
		"count": limit,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
