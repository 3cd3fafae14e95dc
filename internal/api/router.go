package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/soaringjerry/Fieldform/internal/middleware"
	"github.com/soaringjerry/Fieldform/internal/models"
	"github.com/soaringjerry/Fieldform/internal/services"
)

const maxBodyBytes = 1 << 20

// SessionRepository is the part of services.SessionRepository the HTTP layer uses.
type SessionRepository interface {
	ResolveOrCreate(ctx context.Context, q models.QuestionnaireID, p models.Participant) (*models.Session, error)
	LoadFinalized(ctx context.Context, q models.QuestionnaireID, sessionID string) (*models.FinalizedResponse, error)
	services.SessionLoader
}

type Router struct {
	repo    SessionRepository
	loader  services.SessionLoader
	machine *services.Machine
	links   *middleware.ResumeSigner
	logger  *slog.Logger
}

type Option func(*Router)

// WithLoader reads sessions through loader (typically the session cache)
// instead of the repository.
func WithLoader(loader services.SessionLoader) Option {
	return func(rt *Router) {
		if loader != nil {
			rt.loader = loader
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(rt *Router) {
		if l != nil {
			rt.logger = l
		}
	}
}

func NewRouter(repo SessionRepository, machine *services.Machine, links *middleware.ResumeSigner, opts ...Option) *Router {
	rt := &Router{repo: repo, loader: repo, machine: machine, links: links, logger: slog.Default()}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", rt.handleStart)
	mux.HandleFunc("GET /api/sessions/{id}", rt.handleGet)
	mux.HandleFunc("POST /api/sessions/{id}/render", rt.handleRender)
	mux.HandleFunc("POST /api/sessions/{id}/advance", rt.handleAdvance)
	mux.HandleFunc("POST /api/sessions/{id}/submit", rt.handleSubmit)
}

// POST /api/sessions
// { modules: [..], post_modules: [..], participant: {full_name, email} }
func (rt *Router) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Modules     []string           `json:"modules"`
		PostModules []string           `json:"post_modules"`
		Participant models.Participant `json:"participant"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		rt.writeError(w, r, err, "")
		return
	}
	q, err := services.NewQuestionnaireID(req.Modules, req.PostModules)
	if err != nil {
		rt.writeError(w, r, err, "")
		return
	}
	s, err := rt.repo.ResolveOrCreate(r.Context(), q, req.Participant)
	if err != nil {
		rt.writeError(w, r, err, "")
		return
	}
	view := rt.view(r, s, nil)
	if view.ResumeToken, err = rt.links.Sign(s.ID, s.Questionnaire.Modules, s.Questionnaire.PostModules); err != nil {
		rt.writeError(w, r, err, s.ID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GET /api/sessions/{id}?q=m1&q=m2&post=p1 or ?t=<resume token>
func (rt *Router) handleGet(w http.ResponseWriter, r *http.Request) {
	s, ok := rt.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rt.view(r, s, nil))
}

// POST /api/sessions/{id}/render {responses}
func (rt *Router) handleRender(w http.ResponseWriter, r *http.Request) {
	live, ok := decodeAnswers(w, r, rt)
	if !ok {
		return
	}
	s, ok := rt.load(w, r)
	if !ok {
		return
	}
	res, err := rt.machine.Render(r.Context(), s, live)
	if err != nil {
		rt.writeError(w, r, err, s.ID)
		return
	}
	var snap *models.FinalizedResponse
	if c, ok := res.State.(services.Completed); ok {
		snap = c.Response
	}
	view := rt.view(r, res.State.Session(), snap)
	view.Saved = &res.Saved
	writeJSON(w, http.StatusOK, view)
}

// POST /api/sessions/{id}/advance {responses}
func (rt *Router) handleAdvance(w http.ResponseWriter, r *http.Request) {
	rt.transition(w, r, rt.machine.Advance)
}

// POST /api/sessions/{id}/submit {responses}
func (rt *Router) handleSubmit(w http.ResponseWriter, r *http.Request) {
	rt.transition(w, r, rt.machine.Submit)
}

type transitionFunc func(ctx context.Context, s *models.Session, live models.Answers) (services.State, error)

func (rt *Router) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	live, ok := decodeAnswers(w, r, rt)
	if !ok {
		return
	}
	s, ok := rt.load(w, r)
	if !ok {
		return
	}
	st, err := fn(r.Context(), s, live)
	if err != nil {
		rt.writeError(w, r, err, s.ID)
		return
	}
	var snap *models.FinalizedResponse
	if c, ok := st.(services.Completed); ok {
		snap = c.Response
	}
	writeJSON(w, http.StatusOK, rt.view(r, st.Session(), snap))
}

// load resolves the questionnaire from a resume token for this session, or
// from the q/post query parameters, and loads the session.
func (rt *Router) load(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	id := r.PathValue("id")
	q, err := rt.questionnaireFor(r, id)
	if err != nil {
		rt.writeError(w, r, err, id)
		return nil, false
	}
	s, err := rt.loader.LoadByID(r.Context(), q, id)
	if err != nil {
		rt.writeError(w, r, err, id)
		return nil, false
	}
	return s, true
}

func (rt *Router) questionnaireFor(r *http.Request, id string) (models.QuestionnaireID, error) {
	if c, ok := middleware.ResumeFromContext(r.Context()); ok && c.SessionID == id {
		return services.NewQuestionnaireID(c.Modules, c.PostModules)
	}
	query := r.URL.Query()
	if len(query["q"]) == 0 {
		if query.Get("t") != "" || r.Header.Get("X-Resume-Token") != "" {
			return models.QuestionnaireID{}, services.NewInvalidError("resume link is invalid or expired")
		}
		return models.QuestionnaireID{}, services.NewInvalidError("questionnaire modules are required")
	}
	return services.NewQuestionnaireID(splitModules(query["q"]), splitModules(query["post"]))
}

// splitModules accepts both repeated parameters and comma separated lists.
func splitModules(values []string) []string {
	var out []string
	for _, v := range values {
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				out = append(out, m)
			}
		}
	}
	return out
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return services.NewInvalidError("request body too large")
		}
		return services.NewInvalidError("request body must be a JSON object")
	}
	return nil
}

// decodeAnswers reads an optional {responses} body. An empty body means no
// answers were sent with this request.
func decodeAnswers(w http.ResponseWriter, r *http.Request, rt *Router) (models.Answers, bool) {
	if r.ContentLength == 0 {
		return nil, true
	}
	var req struct {
		Responses models.Answers `json:"responses"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		rt.writeError(w, r, err, r.PathValue("id"))
		return nil, false
	}
	return req.Responses, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
