package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airframesio/table-importer/cmd/dbconn"
	"github.com/airframesio/table-importer/cmd/importer"
	"github.com/airframesio/table-importer/cmd/mapping"
	"github.com/airframesio/table-importer/cmd/schema"
	"github.com/airframesio/table-importer/cmd/service"
	"github.com/airframesio/table-importer/cmd/snapshot"
)

const (
	requestTimeout = 60 * time.Second
	maxBodyBytes   = 1 << 20
)

var ErrBadRequest = errors.New("invalid request body")

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the JSON API and the live import log",
	RunE:  withApp(false, runServe),
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", ":5000", "listen address")
	bindFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

// Server is the HTTP API in front of a Service.
type Server struct {
	service *service.Service
	router  *chi.Mux
	logs    *logStream
	logger  *slog.Logger
}

// NewServer creates a Server with every route registered.
func NewServer(svc *service.Service, logger *slog.Logger) *Server {
	s := &Server{
		service: svc,
		router:  chi.NewRouter(),
		logs:    newLogStream(svc.LogPath(), svc.GetLog, logger),
		logger:  logger,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get("/ws/log", s.logs.ServeHTTP)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Post("/import", s.handleImport)
		r.Post("/validate", s.handleValidate)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)

		r.Get("/log", s.handleLog)
		r.Get("/history", s.handleHistory)

		r.Post("/fields", s.handleFields)
		r.Get("/tables", s.handleTables)
		r.Post("/test-connection", s.handleTestConnection)
		r.Post("/preview", s.handlePreview)

		r.Post("/backup", s.handleBackup)
		r.Post("/restore", s.handleRestore)
		r.Get("/backups", s.handleBackups)

		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handleUpdateConfig)
	})
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves on addr and streams log changes until ctx ends, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	go s.logs.run(streamCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(fmt.Sprintf("🌐 Serving API on %s", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("🛑 Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runServe(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
	return NewServer(a.service, logger).Run(ctx, viper.GetString("server.addr"))
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug(fmt.Sprintf("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond)),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// envelope is the response body: "success" plus handler-specific fields.
type envelope map[string]interface{}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondOK(w http.ResponseWriter, status int, body envelope) {
	if body == nil {
		body = envelope{}
	}
	body["success"] = true
	writeJSON(w, status, body)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(fmt.Sprintf("❌ %s %s: %v", r.Method, r.URL.Path, err),
			"request_id", middleware.GetReqID(r.Context()))
	}
	writeJSON(w, status, envelope{"success": false, "message": err.Error()})
}

func statusFor(err error) int {
	var connErr *dbconn.ConnectionError
	var schemaErr *importer.SchemaError
	switch {
	case errors.Is(err, importer.ErrJobNotFound),
		errors.Is(err, schema.ErrTableNotFound),
		errors.Is(err, snapshot.ErrBackupNotFound):
		return http.StatusNotFound
	case errors.Is(err, snapshot.ErrBackupExists),
		errors.Is(err, service.ErrStaleSettings):
		return http.StatusConflict
	case errors.Is(err, importer.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &connErr):
		return http.StatusBadGateway
	case errors.As(err, &schemaErr),
		errors.Is(err, dbconn.ErrNoConflictKey):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrSideRequired),
		errors.Is(err, service.ErrInvalidSide),
		errors.Is(err, importer.ErrSourceTableRequired),
		errors.Is(err, importer.ErrTargetTableRequired),
		errors.Is(err, importer.ErrEmptyMapping),
		errors.Is(err, importer.ErrInvalidMode),
		errors.Is(err, importer.ErrInvalidPageSize),
		errors.Is(err, mapping.ErrEmptyColumn),
		errors.Is(err, mapping.ErrDuplicateTarget),
		errors.Is(err, mapping.ErrDuplicateSource),
		errors.Is(err, mapping.ErrNotAnObject),
		errors.Is(err, schema.ErrInvalidIdentifier),
		errors.Is(err, snapshot.ErrInvalidRestoreMode),
		errors.Is(err, snapshot.ErrBucketRequired),
		errors.Is(err, service.ErrInvalidPageSize),
		errors.Is(err, service.ErrInvalidMaxRetries),
		errors.Is(err, service.ErrInvalidRetryDelay),
		errors.Is(err, dbconn.ErrUnsupportedDriver),
		errors.Is(err, dbconn.ErrHostRequired),
		errors.Is(err, dbconn.ErrPortInvalid),
		errors.Is(err, dbconn.ErrUserRequired),
		errors.Is(err, dbconn.ErrDatabaseRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return nil
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importer.Request
	if err := decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	id, err := s.service.StartImport(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusAccepted, envelope{"message": "import started", "job_id": id})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req importer.Request
	if err := decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	plan, err := s.service.ValidateImport(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, envelope{"message": "import configuration is valid", "columns": plan.Columns})
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, http.StatusOK, envelope{"jobs": s.service.Jobs()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.JobStatus(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, envelope{"job": snap})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.service.CancelJob(chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusAccepted, envelope{"message": "cancellation requested"})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	text, err := s.service.GetLog()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, envelope{"log": text})
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, http.StatusOK, envelope{"history": s.service.GetHistory()})
}

type tablesRequest struct {
	SourceTable string `json:"source_table"`
	TargetTable string `json:"target_table"`
}

func (s *Server) handleFields(w http.ResponseWriter, r *http.Request) {
	var req tablesRequest
	if err := decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.SourceTable == "" || req.TargetTable == "" {
		s.respondError(w, r, fmt.Errorf("%w: source_table and target_table are required", ErrBadRequest))
		return
	}
	fields, err := s.service.GetFields(r.Context(), req.SourceTable, req.TargetTable)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, envelope{
		"source_fields":        fieldNames(fields.SourceFields),
		"target_fields":        fieldNames(fields.TargetFields),
		"source_fields_detail": fields.SourceFields,
		"target_fields_detail": fields.TargetFields,
		"auto_matched_fields":  fields.Mapping,
		"matches":              fields.Matches,
	})
}

func fieldNames(fields []schema.Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	side, err := service.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	tables, err := s.service.ListTables(r.Context(), side)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, envelope{"tables": tables})
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Side string `json:"side"`
	}
	if err := decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	sides, err := sidesFor(req.Side)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	for _, side := range sides {
		if err := s.service.TestConnection(r.Context(), side); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	respondOK(w, http.StatusOK, envelope{"message": "connection succeeded"})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Table string `json:"table"`
		Side  string `json:"side"`
		Limit int    `json:"limit"`
	}
	if err := decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Side == "" {
		req.Side = string(service.SideSource)
	}
	side, err := service.ParseSide(req.Side)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	sample, err := s.service.Preview(r.Context(), side, req.Table, req.Limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	rows := make([]map[string]string, len(sample.Rows))
	for i, row := range sample.Rows {
		rows[i] = make(map[string]string, len(sample.Columns))
		for j, col := range sample.Columns {
			rows[i][col] = row[j]
		}
	}
	respondOK(w, http.StatusOK, envelope{
		"data":            rows,
		"fields":          sample.Columns,
		"total_previewed": len(rows),
	})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Table  string `json:"table"`
		Name   string `json:"name"`
		Export bool   `json:"export"`
	}
	if err := decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.service.Backup(r.Context(), req.Table, req.Name)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	body := envelope{
		"message":      fmt.Sprintf("backup created with %d records", res.Rows),
		"backup_table": res.Table,
		"records":      res.Rows,
	}
	if req.Export {
		out, err := s.service.Export(r.Context(), res.Table)
		if err != nil {
			s.respondError(w, r, fmt.Errorf("backup %s was created but not exported: %w", res.Table, err))
			return
		}
		body["export"] = out
	}
	respondOK(w, http.StatusOK, body)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Table       string `json:"table"`
		BackupTable string `json:"backup_table"`
		Mode        string `json:"mode"`
	}
	if err := decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.service.Restore(r.Context(), req.Table, req.BackupTable, req.Mode)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, envelope{
		"message": fmt.Sprintf("restored %d records", res.Rows),
		"records": res.Rows,
	})
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := s.service.ListBackups(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, envelope{"backup_tables": backups})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	settings, version := s.service.Settings()
	respondOK(w, http.StatusOK, envelope{"version": version, "settings": settings.Redacted()})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version  uint64           `json:"version"`
		Settings service.Settings `json:"settings"`
	}
	if err := decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	current, _ := s.service.Settings()
	next := keepSecrets(req.Settings, current)
	version, err := s.service.UpdateSettings(next, req.Version)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.logger.Info("⚙️  Settings updated to version " + strconv.FormatUint(version, 10))
	respondOK(w, http.StatusOK, envelope{"message": "settings updated", "version": version})
}

// keepSecrets carries the current passwords and S3 secret over when the
// client sent back the redacted placeholders.
func keepSecrets(next, current service.Settings) service.Settings {
	redacted := current.Redacted()
	if next.Source.Password == "" || next.Source.Password == redacted.Source.Password {
		next.Source.Password = current.Source.Password
	}
	if next.Target.Password == "" || next.Target.Password == redacted.Target.Password {
		next.Target.Password = current.Target.Password
	}
	if next.S3.SecretKey == "" {
		next.S3.SecretKey = current.S3.SecretKey
	}
	return next
}
