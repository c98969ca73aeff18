package apiapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/phillip-england/minedesk/internal/records"
	"github.com/phillip-england/minedesk/internal/store"
)

type listRecordsResponse struct {
	Collection string        `json:"collection"`
	Rows       []records.Row `json:"rows"`
}

// recordsHandler routes /api/records/{collection}[/{id}|/export|/import].
func (s *server) recordsHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/records/"), "/"), "/")
	c, err := records.Lookup(parts[0])
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown collection")
		return
	}

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			s.listRecords(w, r, c)
		case http.MethodPost:
			s.createRecord(w, r, c)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && parts[1] == "export":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.exportRecords(w, r, c)
	case len(parts) == 2 && parts[1] == "import":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.importRecords(w, r, c)
	case len(parts) == 2:
		switch r.Method {
		case http.MethodGet:
			s.getRecord(w, r, c, parts[1])
		case http.MethodPut:
			s.updateRecord(w, r, c, parts[1])
		case http.MethodDelete:
			s.deleteRecord(w, r, c, parts[1])
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *server) listRecords(w http.ResponseWriter, r *http.Request, c records.Collection) {
	t := tenantFromContext(r.Context())
	rows, err := s.store.ListRecords(r.Context(), c, t.ID)
	if err != nil {
		s.log.Error("list records failed", "collection", c.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "unable to load "+c.Name)
		return
	}
	writeJSON(w, http.StatusOK, listRecordsResponse{Collection: c.Name, Rows: rows})
}

func (s *server) getRecord(w http.ResponseWriter, r *http.Request, c records.Collection, id string) {
	t := tenantFromContext(r.Context())
	row, err := s.store.GetRecord(r.Context(), c, t.ID, id)
	if err != nil {
		s.writeStoreError(w, c, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *server) createRecord(w http.ResponseWriter, r *http.Request, c records.Collection) {
	values, ok := decodeRecordBody(w, r, c)
	if !ok {
		return
	}
	t := tenantFromContext(r.Context())
	row, err := s.store.CreateRecord(r.Context(), c, t.ID, values)
	if err != nil {
		s.writeStoreError(w, c, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *server) updateRecord(w http.ResponseWriter, r *http.Request, c records.Collection, id string) {
	values, ok := decodeRecordBody(w, r, c)
	if !ok {
		return
	}
	t := tenantFromContext(r.Context())
	row, err := s.store.UpdateRecord(r.Context(), c, t.ID, id, values)
	if err != nil {
		s.writeStoreError(w, c, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *server) deleteRecord(w http.ResponseWriter, r *http.Request, c records.Collection, id string) {
	t := tenantFromContext(r.Context())
	if err := s.store.SoftDeleteRecord(r.Context(), c, t.ID, id); err != nil {
		s.writeStoreError(w, c, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

// decodeRecordBody reads a JSON object of field values and coerces it.
func decodeRecordBody(w http.ResponseWriter, r *http.Request, c records.Collection) (map[string]any, bool) {
	var body map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	input := make(map[string]string, len(body))
	for k, v := range body {
		input[k] = stringifyInput(v)
	}
	values, err := records.Coerce(c, input)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return values, true
}

func stringifyInput(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func (s *server) writeStoreError(w http.ResponseWriter, c records.Collection, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, records.ErrInvalidValue):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("record operation failed", "collection", c.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "unable to save "+c.Name)
	}
}
