package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/router"
	"github.com/polyquery/polyquery/pkg/schema"
)

type queryRequest struct {
	Backend           string `json:"backend"`
	Filter            string `json:"filter"`
	Formula           string `json:"formula"`
	ContinuationToken string `json:"continuation_token"`
	PageSize          int    `json:"page_size"`
	Descending        bool   `json:"descending"`
	Strict            *bool  `json:"strict"`

	Aggregates []aggregateRequest `json:"aggregates"`
}

type aggregateRequest struct {
	Name     string `json:"name"`
	Field    string `json:"field"`
	Function string `json:"function"`
	// Precision defaults to router.DefaultPrecision.
	Precision *int `json:"precision"`
}

type queryResponse struct {
	Records           []*record.Record        `json:"records"`
	ContinuationToken string                  `json:"continuation_token"`
	Aggregates        map[string]record.Value `json:"aggregates,omitempty"`
}

type writeRequest struct {
	Backend string           `json:"backend"`
	Records []map[string]any `json:"records"`
}

type writeResponse struct {
	Written int `json:"written"`
}

type fieldSchema struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Virtual bool   `json:"virtual,omitempty"`
}

type entitySchema struct {
	Name       string        `json:"name"`
	NaturalKey string        `json:"natural_key"`
	Fields     []fieldSchema `json:"fields"`
	Sources    []string      `json:"sources"`
}

type listEntitiesResponse struct {
	Entities []entitySchema `json:"entities"`
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var body queryRequest
	if !s.decode(w, r, &body) {
		return
	}

	var aggs []router.Aggregate
	for _, a := range body.Aggregates {
		precision := router.DefaultPrecision
		if a.Precision != nil {
			precision = *a.Precision
		}
		aggs = append(aggs, router.Aggregate{
			Name:      a.Name,
			Field:     a.Field,
			Function:  router.AggregateFunc(a.Function),
			Precision: precision,
		})
	}

	result, err := s.router.Execute(r.Context(), router.Request{
		Entity:     mux.Vars(r)["entity"],
		Backend:    body.Backend,
		Filter:     body.Filter,
		Formula:    body.Formula,
		Cursor:     body.ContinuationToken,
		PageSize:   body.PageSize,
		Descending: body.Descending,
		Strict:     body.Strict,
		Aggregates: aggs,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, queryResponse{
		Records:           result.Records,
		ContinuationToken: result.Cursor,
		Aggregates:        result.Aggregates,
	})
}

func (s *Server) write(w http.ResponseWriter, r *http.Request) {
	var body writeRequest
	if !s.decode(w, r, &body) {
		return
	}
	if len(body.Records) == 0 {
		s.writeJSON(w, r, http.StatusBadRequest, errorBody{Code: codeInvalidRequest, Message: "no records to write"})
		return
	}

	records := make([]*record.Record, 0, len(body.Records))
	for i, m := range body.Records {
		rec, err := record.FromMap(m)
		if err != nil {
			s.writeJSON(w, r, http.StatusBadRequest, errorBody{
				Code:    codeInvalidRequest,
				Message: fmt.Sprintf("record %d: %s", i, err),
			})
			return
		}
		records = append(records, rec)
	}

	written, err := s.router.Write(r.Context(), mux.Vars(r)["entity"], body.Backend, records)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, writeResponse{Written: written})
}

func (s *Server) listEntities(w http.ResponseWriter, r *http.Request) {
	resp := listEntitiesResponse{Entities: []entitySchema{}}
	for _, e := range s.router.Entities() {
		resp.Entities = append(resp.Entities, s.describe(e))
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	e, err := s.router.Schema(mux.Vars(r)["entity"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.describe(e))
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Check(r.Context())
	status := http.StatusOK
	if !report.Serving() {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, status, report)
}

func (s *Server) describe(e *schema.Entity) entitySchema {
	out := entitySchema{
		Name:       e.Name,
		NaturalKey: e.NaturalKey,
		Fields:     make([]fieldSchema, 0, len(e.Fields)),
		Sources:    s.router.Sources(e.Name),
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, fieldSchema{Name: f.Name, Type: string(f.Type), Virtual: f.Virtual})
	}
	return out
}

// decode reads a JSON body into v. An empty body leaves v untouched.
// Numbers are kept as json.Number so large integers survive.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	err := dec.Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeJSON(w, r, http.StatusRequestEntityTooLarge, errorBody{
			Code:    codeInvalidRequest,
			Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
		})
		return false
	}
	s.writeJSON(w, r, http.StatusBadRequest, errorBody{Code: codeInvalidRequest, Message: "invalid request body: " + err.Error()})
	return false
}
