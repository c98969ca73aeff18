package clientapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/phillip-england/minedesk/internal/bootstrap"
	"github.com/phillip-england/minedesk/internal/records"
)

type contextKey string

const gateContextKey contextKey = "gate"

// gateInfo is the ready bootstrap a page request runs under.
type gateInfo struct {
	sessionID    string
	state        bootstrap.State
	orchestrator *bootstrap.Orchestrator
}

type rowView struct {
	ID    string
	Cells []string
}

type optionView struct {
	Value    string
	Label    string
	Selected bool
}

type fieldView struct {
	Name     string
	Label    string
	Type     string
	Value    string
	Required bool
	Options  []optionView
}

// requireReady lets a request through only when the session's bootstrap is
// ready; everything else goes back to the gate.
func (s *server) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := sessionIDFromRequest(r)
		if sid == "" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		o, ok := s.gates.peek(sid)
		if !ok {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		st := o.State()
		if st.Phase != bootstrap.PhaseReady {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		ctx := context.WithValue(r.Context(), gateContextKey, &gateInfo{sessionID: sid, state: st, orchestrator: o})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func gateFromContext(ctx context.Context) *gateInfo {
	g, _ := ctx.Value(gateContextKey).(*gateInfo)
	return g
}

// appRoutes handles /app/{collection}[/export|/import|/{id}/edit|/{id}/delete].
func (s *server) appRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/app/"), "/"), "/")
	c, err := records.Lookup(parts[0])
	if err != nil {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			s.collectionPage(w, r, c)
		case http.MethodPost:
			s.createRecordProxy(w, r, c)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && parts[1] == "export":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.exportProxy(w, r, c)
	case len(parts) == 2 && parts[1] == "import":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.importProxy(w, r, c)
	case len(parts) == 3 && parts[2] == "edit":
		switch r.Method {
		case http.MethodGet:
			s.recordPage(w, r, c, parts[1])
		case http.MethodPost:
			s.updateRecordProxy(w, r, c, parts[1])
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case len(parts) == 3 && parts[2] == "delete":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.deleteRecordProxy(w, r, c, parts[1])
	default:
		http.NotFound(w, r)
	}
}

func collectionPath(c records.Collection) string {
	return "/app/" + url.PathEscape(c.Name)
}

func (s *server) collectionPage(w http.ResponseWriter, r *http.Request, c records.Collection) {
	g := gateFromContext(r.Context())
	csrf, err := s.fetchCSRFToken(r)
	if err != nil {
		s.handleAPIFailure(w, r, err, "/")
		return
	}
	rows, err := s.fetchRecords(r, c)
	if err != nil {
		s.handleAPIFailure(w, r, err, "/")
		return
	}
	fields, err := s.formFields(r, c, records.Row{})
	if err != nil {
		s.handleAPIFailure(w, r, err, "/")
		return
	}

	headers := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		headers[i] = f.Label
	}
	views := make([]rowView, len(rows))
	for i, row := range rows {
		cells := make([]string, len(c.Fields))
		for j, f := range c.Fields {
			cells[j] = row.Display(f)
		}
		views[i] = rowView{ID: row.ID, Cells: cells}
	}

	s.render(w, s.collectionTmpl, pageData{
		Title:       c.Title,
		Error:       r.URL.Query().Get("error"),
		Message:     r.URL.Query().Get("message"),
		CSRF:        csrf,
		Identity:    g.state.Identity,
		Tenant:      g.state.Tenant,
		Collections: records.All(),
		Collection:  &c,
		Headers:     headers,
		Rows:        views,
		Fields:      fields,
	})
}

func (s *server) recordPage(w http.ResponseWriter, r *http.Request, c records.Collection, id string) {
	g := gateFromContext(r.Context())
	csrf, err := s.fetchCSRFToken(r)
	if err != nil {
		s.handleAPIFailure(w, r, err, collectionPath(c))
		return
	}
	row, err := s.fetchRecord(r, c, id)
	if err != nil {
		s.handleAPIFailure(w, r, err, collectionPath(c))
		return
	}
	fields, err := s.formFields(r, c, row)
	if err != nil {
		s.handleAPIFailure(w, r, err, collectionPath(c))
		return
	}
	s.render(w, s.recordTmpl, pageData{
		Title:       "Edit " + c.Title,
		Error:       r.URL.Query().Get("error"),
		CSRF:        csrf,
		Identity:    g.state.Identity,
		Tenant:      g.state.Tenant,
		Collections: records.All(),
		Collection:  &c,
		Fields:      fields,
		RecordID:    row.ID,
	})
}

// formFields builds the inputs for c, prefilled from row. Reference fields
// become selects over the referenced collection.
func (s *server) formFields(r *http.Request, c records.Collection, row records.Row) ([]fieldView, error) {
	fields := make([]fieldView, 0, len(c.Fields))
	for _, f := range c.Fields {
		v := fieldView{
			Name:     f.Name,
			Label:    f.Label,
			Required: f.Required,
			Value:    records.FormatValue(f, row.Values[f.Name]),
		}
		switch f.Kind {
		case records.KindNumber:
			v.Type = "number"
		case records.KindDate:
			v.Type = "date"
		case records.KindEnum:
			v.Type = "select"
			for _, opt := range f.Options {
				v.Options = append(v.Options, optionView{Value: opt, Label: records.HumanizeOption(opt), Selected: opt == v.Value})
			}
		case records.KindRef:
			v.Type = "select"
			ref, err := records.Lookup(f.Ref)
			if err != nil {
				return nil, err
			}
			refRows, err := s.fetchRecords(r, ref)
			if err != nil {
				return nil, err
			}
			labelField, _ := ref.Field(ref.LabelField)
			v.Options = append(v.Options, optionView{Value: "", Label: "-", Selected: v.Value == ""})
			for _, rr := range refRows {
				label := records.FormatValue(labelField, rr.Values[ref.LabelField])
				v.Options = append(v.Options, optionView{Value: rr.ID, Label: label, Selected: rr.ID == v.Value})
			}
		default:
			v.Type = "text"
		}
		fields = append(fields, v)
	}
	return fields, nil
}

func formValues(r *http.Request, c records.Collection) map[string]string {
	values := make(map[string]string, len(c.Fields))
	for _, f := range c.Fields {
		values[f.Name] = strings.TrimSpace(r.FormValue(f.Name))
	}
	return values
}

func (s *server) createRecordProxy(w http.ResponseWriter, r *http.Request, c records.Collection) {
	back := collectionPath(c)
	if err := r.ParseForm(); err != nil {
		http.Redirect(w, r, back+"?error=Invalid+form+submission", http.StatusFound)
		return
	}
	csrf := strings.TrimSpace(r.FormValue("csrf_token"))
	if err := s.sendRecord(r, http.MethodPost, recordsPath(c), csrf, formValues(r, c)); err != nil {
		s.handleAPIFailure(w, r, err, back)
		return
	}
	http.Redirect(w, r, back+"?message="+url.QueryEscape(c.Title+" record added"), http.StatusFound)
}

func (s *server) updateRecordProxy(w http.ResponseWriter, r *http.Request, c records.Collection, id string) {
	back := collectionPath(c) + "/" + url.PathEscape(id) + "/edit"
	if err := r.ParseForm(); err != nil {
		http.Redirect(w, r, back+"?error=Invalid+form+submission", http.StatusFound)
		return
	}
	csrf := strings.TrimSpace(r.FormValue("csrf_token"))
	if err := s.sendRecord(r, http.MethodPut, recordsPath(c, id), csrf, formValues(r, c)); err != nil {
		s.handleAPIFailure(w, r, err, back)
		return
	}
	http.Redirect(w, r, collectionPath(c)+"?message="+url.QueryEscape(c.Title+" record updated"), http.StatusFound)
}

func (s *server) deleteRecordProxy(w http.ResponseWriter, r *http.Request, c records.Collection, id string) {
	back := collectionPath(c)
	if err := r.ParseForm(); err != nil {
		http.Redirect(w, r, back+"?error=Invalid+form+submission", http.StatusFound)
		return
	}
	csrf := strings.TrimSpace(r.FormValue("csrf_token"))
	if err := s.removeRecord(r, c, id, csrf); err != nil {
		s.handleAPIFailure(w, r, err, back)
		return
	}
	http.Redirect(w, r, back+"?message="+url.QueryEscape(c.Title+" record deleted"), http.StatusFound)
}

func (s *server) exportProxy(w http.ResponseWriter, r *http.Request, c records.Collection) {
	resp, err := s.apiRequest(r, http.MethodGet, recordsPath(c, "export"), nil, "", "")
	if err != nil {
		s.handleAPIFailure(w, r, err, collectionPath(c))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.handleAPIFailure(w, r, readAPIError(resp), collectionPath(c))
		return
	}
	for _, h := range []string{"Content-Type", "Content-Disposition", "Content-Length"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, resp.Body)
}

func (s *server) importProxy(w http.ResponseWriter, r *http.Request, c records.Collection) {
	back := collectionPath(c)
	if err := r.ParseMultipartForm(20 << 20); err != nil {
		http.Redirect(w, r, back+"?error=Invalid+upload", http.StatusFound)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Redirect(w, r, back+"?error=Spreadsheet+file+is+required", http.StatusFound)
		return
	}
	defer file.Close()

	csrf := strings.TrimSpace(r.FormValue("csrf_token"))
	if csrf == "" {
		http.Redirect(w, r, back+"?error=Missing+csrf+token", http.StatusFound)
		return
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", header.Filename)
	if err != nil {
		http.Redirect(w, r, back+"?error=Unable+to+prepare+upload", http.StatusFound)
		return
	}
	if _, err := io.Copy(part, file); err != nil {
		http.Redirect(w, r, back+"?error=Unable+to+read+upload", http.StatusFound)
		return
	}
	if err := writer.Close(); err != nil {
		http.Redirect(w, r, back+"?error=Unable+to+finalize+upload", http.StatusFound)
		return
	}

	resp, err := s.apiRequest(r, http.MethodPost, recordsPath(c, "import"), &body, writer.FormDataContentType(), csrf)
	if err != nil {
		s.handleAPIFailure(w, r, err, back)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.handleAPIFailure(w, r, readAPIError(resp), back)
		return
	}

	var result importResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		http.Redirect(w, r, back+"?error=Unexpected+import+response", http.StatusFound)
		return
	}
	msg := fmt.Sprintf("%d rows imported", result.Added)
	if len(result.Failed) > 0 {
		first := result.Failed[0]
		msg += fmt.Sprintf(", %d failed (row %d: %s)", len(result.Failed), first.Row, first.Error)
	}
	http.Redirect(w, r, back+"?message="+url.QueryEscape(msg), http.StatusFound)
}

// handleAPIFailure turns an API error into a redirect. An expired session
// goes to the login page; a rejected company sends the bootstrap back to
// waiting for an active one.
func (s *server) handleAPIFailure(w http.ResponseWriter, r *http.Request, err error, back string) {
	g := gateFromContext(r.Context())

	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		s.log.Error("api request failed", "path", r.URL.Path, "err", err)
		http.Redirect(w, r, withQuery(back, "error", "Service unavailable"), http.StatusFound)
		return
	}

	switch {
	case apiErr.Status == http.StatusUnauthorized:
		if g != nil {
			s.gates.release(g.sessionID)
		}
		expireSessionCookie(w)
		http.Redirect(w, r, "/login?error=Session+expired", http.StatusFound)
	case apiErr.tenantRejected() && g != nil:
		g.orchestrator.TenantUnavailable()
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		_, _ = g.orchestrator.Await(ctx, func(st bootstrap.State) bool {
			return st.RequestToken > g.state.RequestToken
		})
		cancel()
		http.Redirect(w, r, "/", http.StatusFound)
	default:
		http.Redirect(w, r, withQuery(back, "error", apiErr.Message), http.StatusFound)
	}
}

func withQuery(path, key, value string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + key + "=" + url.QueryEscape(value)
}
