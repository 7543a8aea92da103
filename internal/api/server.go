package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"

	"study-ai/internal/apperr"
	"study-ai/internal/logger"
	"study-ai/internal/models"
	"study-ai/internal/services"
)

const maxMultipartMemory = 8 << 20 // 8 MB

// Services groups the domain services the API dispatches to.
type Services struct {
	Documents  *services.DocumentService
	Flashcards *services.FlashcardService
	Formulas   *services.FormulaService
	Notes      *services.NoteService
	Quiz       *services.QuizService
}

type Options struct {
	JobTimeout     time.Duration
	JobRetention   time.Duration
	MaxUploadBytes int64
}

type Server struct {
	mux        *http.ServeMux
	log        *logger.Logger
	documents  *services.DocumentService
	flashcards *services.FlashcardService
	formulas   *services.FormulaService
	notes      *services.NoteService
	quiz       *services.QuizService
	jobs       *JobManager
	opts       Options
}

func NewServer(svcs Services, log *logger.Logger, opts Options) *Server {
	if log == nil {
		log = logger.Nop()
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Minute
	}
	s := &Server{
		mux:        http.NewServeMux(),
		log:        log.With("service", "API"),
		documents:  svcs.Documents,
		flashcards: svcs.Flashcards,
		formulas:   svcs.Formulas,
		notes:      svcs.Notes,
		quiz:       svcs.Quiz,
		jobs:       NewJobManager(opts.JobRetention),
		opts:       opts,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return accessLog(s.log, s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/documents", withUser(s.handleDocuments))
	s.mux.HandleFunc("/api/documents/", withUser(s.handleDocumentActions))
	s.mux.HandleFunc("/api/jobs/", withUser(s.handleJobStatus))
	s.mux.HandleFunc("/api/cards/next", withUser(s.handleNextCard))
	s.mux.HandleFunc("/api/cards/", withUser(s.handleCardActions))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, user string) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r, user)
	case http.MethodGet:
		docs, err := s.documents.List(r.Context(), user)
		if err != nil {
			s.fail(w, err)
			return
		}
		out := make([]map[string]any, 0, len(docs))
		for i := range docs {
			out = append(out, documentJSON(&docs[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": out})
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, user string) {
	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+maxMultipartMemory)
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	if form := r.MultipartForm; form != nil {
		defer form.RemoveAll()
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	doc, err := s.documents.Create(r.Context(), user, header.Filename, file)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"document": documentJSON(doc)})
}

// handleDocumentActions dispatches everything below /api/documents/{id}.
func (s *Server) handleDocumentActions(w http.ResponseWriter, r *http.Request, user string) {
	path := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")

	docID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || docID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	owner := models.Owner{DocumentID: docID, UserID: user}

	switch {
	case len(parts) == 1:
		s.handleDocument(w, r, owner)
	case len(parts) == 2 && models.ArtifactKind(parts[1]).Valid():
		s.handleArtifacts(w, r, owner, models.ArtifactKind(parts[1]))
	case len(parts) == 2 && parts[1] == "jobs":
		s.handleCreateJob(w, r, owner)
	case parts[1] == "quiz" && len(parts) <= 3:
		action := ""
		if len(parts) == 3 {
			action = parts[2]
		}
		s.handleQuiz(w, r, owner, action)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, owner models.Owner) {
	switch r.Method {
	case http.MethodGet:
		doc, err := s.documents.Get(r.Context(), owner)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": documentJSON(doc)})
	case http.MethodDelete:
		if err := s.documents.Delete(r.Context(), owner); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": owner.DocumentID})
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request, owner models.Owner, kind models.ArtifactKind) {
	switch r.Method {
	case http.MethodPost:
		payload, err := s.generate(r.Context(), owner, kind, nil)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodGet:
		payload, err := s.listArtifacts(r.Context(), owner, kind)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// generate runs the batch for kind and shapes the response body.
func (s *Server) generate(ctx context.Context, owner models.Owner, kind models.ArtifactKind, progress services.ProgressCallback) (map[string]any, error) {
	switch kind {
	case models.KindFlashcards:
		res, err := s.flashcards.Generate(ctx, owner, progress)
		if err != nil {
			return nil, err
		}
		return resultJSON(string(kind), res, flashcardJSON), nil
	case models.KindFormulas:
		res, err := s.formulas.Generate(ctx, owner, progress)
		if err != nil {
			return nil, err
		}
		return resultJSON(string(kind), res, formulaJSON), nil
	case models.KindNotes:
		res, err := s.notes.Generate(ctx, owner, progress)
		if err != nil {
			return nil, err
		}
		return resultJSON(string(kind), res, noteJSON), nil
	default:
		return nil, fmt.Errorf("%w: unknown artifact kind %q", apperr.ErrInvalidInput, kind)
	}
}

func (s *Server) listArtifacts(ctx context.Context, owner models.Owner, kind models.ArtifactKind) (map[string]any, error) {
	if _, err := s.documents.Get(ctx, owner); err != nil {
		return nil, err
	}
	switch kind {
	case models.KindFlashcards:
		items, err := s.flashcards.List(ctx, owner)
		if err != nil {
			return nil, err
		}
		return map[string]any{string(kind): mapItems(items, flashcardJSON)}, nil
	case models.KindFormulas:
		items, err := s.formulas.List(ctx, owner)
		if err != nil {
			return nil, err
		}
		return map[string]any{string(kind): mapItems(items, formulaJSON)}, nil
	case models.KindNotes:
		items, err := s.notes.List(ctx, owner)
		if err != nil {
			return nil, err
		}
		return map[string]any{string(kind): mapItems(items, noteJSON)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown artifact kind %q", apperr.ErrInvalidInput, kind)
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request, owner models.Owner) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	kind := models.ArtifactKind(r.URL.Query().Get("kind"))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "kind must be one of flashcards, formulas, notes")
		return
	}
	if _, err := s.documents.Get(r.Context(), owner); err != nil {
		s.fail(w, err)
		return
	}

	jobID, snapshot := s.jobs.CreateJob(kind, owner)
	go s.runJob(context.WithoutCancel(r.Context()), jobID, owner, kind)

	writeJSON(w, http.StatusAccepted, snapshot)
}

func (s *Server) runJob(ctx context.Context, jobID string, owner models.Owner, kind models.ArtifactKind) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.JobTimeout)
	defer cancel()

	s.jobs.MarkProcessing(jobID)
	progress := func(step, message string, current, total int) {
		s.jobs.UpdateProgress(jobID, step, message, current, total)
	}
	payload, err := s.generate(ctx, owner, kind, progress)
	if err != nil {
		s.log.Warn("generation job failed", "job_id", jobID, "kind", kind, "document_id", owner.DocumentID, "error", err)
		s.jobs.MarkFailed(jobID, publicMessage(err))
		return
	}
	s.jobs.MarkComplete(jobID, payload)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request, user string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if jobID == "" {
		http.NotFound(w, r)
		return
	}
	job, ok := s.jobs.GetJob(jobID, user)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleQuiz(w http.ResponseWriter, r *http.Request, owner models.Owner, action string) {
	switch action {
	case "":
		switch r.Method {
		case http.MethodPost:
			s.handleQuizGenerate(w, r, owner, s.quiz.Generate)
		case http.MethodGet:
			qs, err := s.quiz.Questions(r.Context(), owner)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"questions": mapItems(qs, questionJSON)})
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	case "regenerate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleQuizGenerate(w, r, owner, s.quiz.Regenerate)
	case "submit":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleQuizSubmit(w, r, owner)
	case "score":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		report, err := s.quiz.Score(r.Context(), owner)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	default:
		http.NotFound(w, r)
	}
}

type quizGenerator func(ctx context.Context, owner models.Owner, maxNew int) ([]models.QuizQuestion, error)

func (s *Server) handleQuizGenerate(w http.ResponseWriter, r *http.Request, owner models.Owner, gen quizGenerator) {
	maxNew := 0
	if raw := r.URL.Query().Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "max must be a positive integer")
			return
		}
		maxNew = n
	}

	qs, err := gen(r.Context(), owner, maxNew)
	if err != nil && len(qs) == 0 {
		s.fail(w, err)
		return
	}
	body := map[string]any{
		"questions": mapItems(qs, questionJSON),
		"partial":   err != nil,
	}
	if err != nil {
		s.log.Warn("quiz generation stopped early", "document_id", owner.DocumentID, "stored", len(qs), "error", err)
		body["error"] = publicMessage(err)
	}
	writeJSON(w, http.StatusOK, body)
}

type submitRequest struct {
	Answers []models.Answer `json:"answers"`
}

func (s *Server) handleQuizSubmit(w http.ResponseWriter, r *http.Request, owner models.Owner) {
	var payload submitRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	for _, a := range payload.Answers {
		if a.QuestionID <= 0 {
			writeError(w, http.StatusBadRequest, "question_id must be positive")
			return
		}
	}
	n, err := s.quiz.Submit(r.Context(), owner, payload.Answers)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submitted": n})
}

func (s *Server) handleNextCard(w http.ResponseWriter, r *http.Request, user string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	card, err := s.flashcards.Next(r.Context(), user)
	if err != nil {
		if err == services.ErrNoDueCards {
			writeJSON(w, http.StatusOK, map[string]any{
				"card":    nil,
				"message": "No cards due. Come back later!",
			})
			return
		}
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"card": flashcardJSON(*card)})
}

func (s *Server) handleCardActions(w http.ResponseWriter, r *http.Request, user string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/cards/")
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "review" {
		http.NotFound(w, r)
		return
	}

	cardID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid card id")
		return
	}

	var payload reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	rating, err := parseRating(payload.Rating)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	card, logEntry, err := s.flashcards.Review(r.Context(), user, cardID, rating)
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"card": map[string]any{
			"id":    card.ID,
			"due":   nullTimeToString(card.Due),
			"state": card.State,
		},
		"log": map[string]any{
			"rating":  logEntry.Rating,
			"due_in":  logEntry.ScheduledDays,
			"updated": logEntry.ReviewedAt.Format(timeLayout),
		},
	})
}

type reviewRequest struct {
	Rating string `json:"rating"`
}

// fail writes err with the status its sentinel maps to.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := apperr.Status(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "status", status, "error", err)
	}
	writeError(w, status, publicMessage(err))
}

// publicMessage hides provider and storage details from clients.
func publicMessage(err error) string {
	switch status := apperr.Status(err); {
	case status == http.StatusBadGateway:
		return "generation failed, try again"
	case status >= http.StatusInternalServerError:
		return "internal error"
	default:
		return err.Error()
	}
}

const timeLayout = time.RFC3339

func parseRating(raw string) (fsrs.Rating, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "again":
		return fsrs.Again, nil
	case "hard":
		return fsrs.Hard, nil
	case "good":
		return fsrs.Good, nil
	case "easy":
		return fsrs.Easy, nil
	default:
		return 0, fmt.Errorf("unknown rating %q", raw)
	}
}

func nullTimeToString(t sql.NullTime) *string {
	if t.Valid {
		str := t.Time.Format(timeLayout)
		return &str
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
