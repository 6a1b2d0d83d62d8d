package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"investcalc.org/internal/audit"
	"investcalc.org/internal/report"
	"investcalc.org/internal/stats"
)

type datasetResponse struct {
	Name   string            `json:"name"`
	Fields map[string]string `json:"fields"`
}

type groupResponse struct {
	Key    []any          `json:"key"`
	Rows   int64          `json:"rows"`
	Values map[string]any `json:"values"`
}

type aggregateResponse struct {
	Dataset string          `json:"dataset"`
	GroupBy []string        `json:"group_by"`
	Metrics []string        `json:"metrics"`
	Groups  []groupResponse `json:"groups"`
}

type frontierPoint struct {
	Label  string  `json:"label"`
	Risk   float64 `json:"risk"`
	Return float64 `json:"return"`
}

type generateRequest struct {
	From     time.Time `json:"from,omitzero"`
	To       time.Time `json:"to,omitzero"`
	Exchange string    `json:"exchange,omitempty"`
	Symbols  []string  `json:"symbols,omitempty"`
	Count    int       `json:"count"`
}

type generatedPortfolio struct {
	Label          string             `json:"label"`
	Weights        map[string]float64 `json:"weights"`
	ExpectedReturn float64            `json:"expected_return"`
	Risk           float64            `json:"risk"`
}

type ingestRequest struct {
	RecordedAt time.Time        `json:"recorded_at,omitzero"`
	Records    []map[string]any `json:"records"`
}

func (a *API) handleDatasets(w http.ResponseWriter, r *http.Request) {
	catalog := a.reports.Catalog()
	out := make([]datasetResponse, 0, len(catalog))
	for _, name := range catalog.Names() {
		fields := make(map[string]string, len(catalog[name]))
		for f, typ := range catalog[name] {
			fields[f] = typ.String()
		}
		out = append(out, datasetResponse{Name: name, Fields: fields})
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": out})
}

func (a *API) handleAggregate(w http.ResponseWriter, r *http.Request) {
	xlsx, err := wantsSpreadsheet(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req stats.Request
	if err := decodeJSON(r, &req); err != nil {
		badBody(w, r, err)
		return
	}
	res, err := a.reports.Aggregate(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if xlsx {
		a.writeSpreadsheet(w, r, "aggregate-"+req.Dataset.Name, func(buf *bytes.Buffer) error {
			return a.exporter.WriteAggregate(buf, res)
		})
		return
	}
	writeJSON(w, http.StatusOK, newAggregateResponse(req.Dataset.Name, res))
}

func (a *API) handleFrontier(w http.ResponseWriter, r *http.Request) {
	xlsx, err := wantsSpreadsheet(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	sel := stats.Selector{Name: q.Get("dataset")}
	if sel.From, err = parseTimeParam(q.Get("from")); err != nil {
		writeError(w, r, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	if sel.To, err = parseTimeParam(q.Get("to")); err != nil {
		writeError(w, r, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	precision := report.DefaultFrontierPrecision
	if raw := q.Get("precision"); raw != "" {
		if precision, err = strconv.Atoi(raw); err != nil {
			writeError(w, r, http.StatusBadRequest, "precision must be an integer")
			return
		}
	}
	points, err := a.reports.Frontier(r.Context(), sel, precision)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if xlsx {
		a.writeSpreadsheet(w, r, "frontier", func(buf *bytes.Buffer) error {
			return a.exporter.WriteFrontier(buf, points)
		})
		return
	}
	out := make([]frontierPoint, len(points))
	for i, p := range points {
		out[i] = frontierPoint{Label: p.Label, Risk: p.Risk, Return: p.Return}
	}
	writeJSON(w, http.StatusOK, map[string]any{"precision": precision, "points": out})
}

func (a *API) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		badBody(w, r, err)
		return
	}
	out, err := a.reports.Generate(r.Context(), report.GenerateRequest{
		From:     req.From,
		To:       req.To,
		Exchange: req.Exchange,
		Symbols:  req.Symbols,
		Count:    req.Count,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "portfolios.generate", map[string]any{
		"count":    len(out),
		"exchange": req.Exchange,
	})
	resp := make([]generatedPortfolio, len(out))
	for i, p := range out {
		resp[i] = generatedPortfolio{Label: p.Label, Weights: p.Weights, ExpectedReturn: p.Return, Risk: p.Risk}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"portfolios": resp})
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		badBody(w, r, err)
		return
	}
	dataset := chi.URLParam(r, "name")
	n, err := a.reports.Ingest(r.Context(), dataset, req.RecordedAt, req.Records)
	if err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "records.ingest", map[string]any{
		"dataset": dataset,
		"count":   n,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"dataset": dataset, "inserted": n})
}

// writeSpreadsheet renders into memory first so a failed export still gets
// a proper error response.
func (a *API) writeSpreadsheet(w http.ResponseWriter, r *http.Request, name string, render func(*bytes.Buffer) error) {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		respondError(w, r, fmt.Errorf("render spreadsheet: %w", err))
		return
	}
	w.Header().Set("Content-Type", a.exporter.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s%s"`, name, a.exporter.FileExtension()))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func wantsSpreadsheet(r *http.Request) (bool, error) {
	switch strings.ToLower(r.URL.Query().Get("format")) {
	case "", "json":
		return false, nil
	case "xlsx":
		return true, nil
	default:
		return false, fmt.Errorf("unsupported format %q", r.URL.Query().Get("format"))
	}
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func newAggregateResponse(dataset string, res stats.Result) aggregateResponse {
	out := aggregateResponse{
		Dataset: dataset,
		GroupBy: res.GroupBy,
		Metrics: res.Metrics,
		Groups:  make([]groupResponse, 0, len(res.Groups)),
	}
	if out.GroupBy == nil {
		out.GroupBy = []string{}
	}
	for _, g := range res.Sorted() {
		key := make([]any, len(g.Key))
		for i, v := range g.Key {
			key[i] = jsonValue(v)
		}
		values := make(map[string]any, len(g.Values))
		for name, mv := range g.Values {
			if mv.Valid {
				values[name] = mv.Value
			} else {
				values[name] = nil
			}
		}
		out.Groups = append(out.Groups, groupResponse{Key: key, Rows: g.Rows, Values: values})
	}
	return out
}

func jsonValue(v stats.Value) any {
	if f, ok := v.Num(); ok {
		return f
	}
	if s, ok := v.Str(); ok {
		return s
	}
	return nil
}
