package clientapp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/phillip-england/minedesk/internal/records"
	"github.com/phillip-england/minedesk/internal/tenant"
)

// apiError is a non-success API response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// tenantRejected reports whether the API refused the request because the
// caller's company is missing or inactive.
func (e *apiError) tenantRejected() bool {
	return e.Status == http.StatusForbidden &&
		(e.Message == tenant.ErrTenantInactive.Error() || e.Message == tenant.ErrTenantMissing.Error())
}

type listRecordsResponse struct {
	Collection string        `json:"collection"`
	Rows       []records.Row `json:"rows"`
}

type authTokenResponse struct {
	CSRFToken string `json:"csrfToken"`
}

type loginResponse struct {
	SessionID string `json:"sessionId"`
}

type importResponse struct {
	Message string `json:"message"`
	Added   int    `json:"added"`
	Failed  []struct {
		Row   int    `json:"row"`
		Error string `json:"error"`
	} `json:"failed"`
}

func (s *server) apiRequest(r *http.Request, method, path string, body io.Reader, contentType, csrf string) (*http.Response, error) {
	apiReq, err := http.NewRequestWithContext(r.Context(), method, s.apiBaseURL+path, body)
	if err != nil {
		return nil, err
	}
	copySessionCookieHeader(r, apiReq)
	if contentType != "" {
		apiReq.Header.Set("Content-Type", contentType)
	}
	if csrf != "" {
		apiReq.Header.Set(csrfHeaderName, csrf)
	}
	return s.apiClient.Do(apiReq)
}

func readAPIError(resp *http.Response) error {
	msg := http.StatusText(resp.StatusCode)
	var payload map[string]string
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err == nil && payload["error"] != "" {
		msg = payload["error"]
	}
	return &apiError{Status: resp.StatusCode, Message: msg}
}

func (s *server) getJSON(r *http.Request, path string, out any) error {
	resp, err := s.apiRequest(r, http.MethodGet, path, nil, "", "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *server) fetchCSRFToken(r *http.Request) (string, error) {
	var payload authTokenResponse
	if err := s.getJSON(r, "/api/auth/csrf", &payload); err != nil {
		return "", err
	}
	if payload.CSRFToken == "" {
		return "", errors.New("missing csrf token")
	}
	return payload.CSRFToken, nil
}

func recordsPath(c records.Collection, tail ...string) string {
	p := "/api/records/" + url.PathEscape(c.Name)
	for _, t := range tail {
		p += "/" + url.PathEscape(t)
	}
	return p
}

func (s *server) fetchRecords(r *http.Request, c records.Collection) ([]records.Row, error) {
	var payload listRecordsResponse
	if err := s.getJSON(r, recordsPath(c), &payload); err != nil {
		return nil, err
	}
	return payload.Rows, nil
}

func (s *server) fetchRecord(r *http.Request, c records.Collection, id string) (records.Row, error) {
	var row records.Row
	if err := s.getJSON(r, recordsPath(c, id), &row); err != nil {
		return records.Row{}, err
	}
	return row, nil
}

// sendRecord posts or puts form values as a JSON object.
func (s *server) sendRecord(r *http.Request, method, path, csrf string, values map[string]string) error {
	body, err := json.Marshal(values)
	if err != nil {
		return err
	}
	resp, err := s.apiRequest(r, method, path, bytes.NewReader(body), "application/json", csrf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return readAPIError(resp)
	}
	return nil
}

func (s *server) removeRecord(r *http.Request, c records.Collection, id, csrf string) error {
	resp, err := s.apiRequest(r, http.MethodDelete, recordsPath(c, id), nil, "", csrf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return nil
}
