package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jobledger/internal/domain"
	"jobledger/internal/engine"
	"jobledger/internal/engine/auth"
	"jobledger/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"job_not_open"`
	Message string         `json:"message" example:"job is not open"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// out wraps a response body.
type out[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *out[T] { return &out[T]{Body: v} }

// New returns an HTTP handler exposing the jobledger API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Jobledger API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group, cfg.Engine)
	registerProfiles(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerApplications(group, cfg.Engine)
	registerEscrow(group, cfg.Engine)
	registerPlatform(group, cfg.Engine)
	registerPayouts(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.DebugContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

var errorMappings = []struct {
	err    error
	status int
	code   string
}{
	{repo.ErrNotFound, http.StatusNotFound, "not_found"},
	{engine.ErrNotInitialized, http.StatusConflict, "not_initialized"},
	{engine.ErrAlreadyInitialized, http.StatusConflict, "already_initialized"},
	{engine.ErrAlreadyRegistered, http.StatusConflict, "already_registered"},
	{engine.ErrNotRegistered, http.StatusForbidden, "not_registered"},
	{auth.ErrUnauthorized, http.StatusForbidden, "unauthorized_caller"},
	{auth.ErrPaused, http.StatusConflict, "paused"},
	{auth.ErrNotPaused, http.StatusConflict, "not_paused"},
	{engine.ErrJobNotOpen, http.StatusConflict, "job_not_open"},
	{engine.ErrJobNotInProgress, http.StatusConflict, "job_not_in_progress"},
	{engine.ErrJobNotCompleted, http.StatusConflict, "job_not_completed"},
	{engine.ErrAlreadyRated, http.StatusConflict, "already_rated"},
	{engine.ErrNoSuchApplication, http.StatusUnprocessableEntity, "no_such_application"},
	{engine.ErrIncorrectPaymentAmount, http.StatusUnprocessableEntity, "incorrect_payment_amount"},
	{engine.ErrInvalidFee, http.StatusUnprocessableEntity, "invalid_fee"},
	{engine.ErrInvalidRating, http.StatusUnprocessableEntity, "invalid_rating"},
	{engine.ErrPayoutRejected, http.StatusUnprocessableEntity, "payout_rejected"},
	{repo.ErrOverflow, http.StatusUnprocessableEntity, "balance_overflow"},
	{engine.ErrInvalidInput, http.StatusBadRequest, "bad_request"},
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			var details map[string]any
			var fe auth.ForbiddenError
			if errors.As(err, &fe) {
				details = map[string]any{"action": fe.Action, "required_role": fe.Role}
			}
			return newAPIError(m.status, m.code, err.Error(), details)
		}
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requireOwner(ctx context.Context, e engine.Engine, action string) (string, error) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	ok, err := e.IsOwner(ctx, actorID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", auth.ForbiddenError{Action: action, ActorID: actorID, Role: "owner"}
	}
	return actorID, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	if oas.Components.Schemas != nil {
		oas.Components.Schemas.Map()["ApiError"] = &huma.Schema{
			Type: "object",
			Properties: map[string]*huma.Schema{
				"error": {
					Type: "object",
					Properties: map[string]*huma.Schema{
						"code":    {Type: "string"},
						"message": {Type: "string"},
						"details": {Type: "object"},
					},
				},
			},
		}
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Jobledger API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*out[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*out[WhoAmIResponse], error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		isOwner, err := e.IsOwner(ctx, principal.ActorID)
		if err != nil && !errors.Is(err, engine.ErrNotInitialized) {
			return nil, handleError(err)
		}
		p, err := e.GetProfile(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(WhoAmIResponse{
			ActorID:      principal.ActorID,
			IsOwner:      isOwner,
			IsRegistered: p.IsRegistered,
			Source:       principal.Source,
		}), nil
	})
}

func registerProfiles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-profile",
		Method:        http.MethodPost,
		Path:          "/profiles",
		Summary:       "Register the caller's profile",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProfileRequest `json:"body"`
	}) (*out[domain.Profile], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProfile(ctx, engine.ProfileCreateOptions{
			Name:    input.Body.Name,
			Skills:  input.Body.Skills,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/profiles/{identity}",
		Summary:     "Get profile; unknown identities return an unregistered default",
	}, func(ctx context.Context, input *struct {
		Identity string `path:"identity"`
	}) (*out[domain.Profile], error) {
		p, err := e.GetProfile(ctx, input.Identity)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "post-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Post a job",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body PostJobRequest `json:"body"`
	}) (*out[domain.Job], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.PostJob(ctx, engine.JobPostOptions{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Budget:      input.Body.Budget,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs by id",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"open,in_progress,completed,cancelled"`
		Employer string `query:"employer"`
		Active   string `query:"active" enum:"true,false"`
		After    string `query:"after"`
		Limit    int    `query:"limit" default:"50"`
	}) (*out[[]domain.Job], error) {
		f := repo.JobFilters{Employer: input.Employer, Limit: normalizeLimit(input.Limit)}
		if input.Status != "" {
			st, err := domain.ParseJobStatus(input.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			f.Status = &st
		}
		if input.Active != "" {
			active := input.Active == "true"
			f.Active = &active
		}
		if input.After != "" {
			after, err := strconv.ParseInt(input.After, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid after cursor", map[string]any{"after": input.After})
			}
			f.AfterID = &after
		}
		jobs, err := e.ListJobs(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(jobs), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "count-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs/count",
		Summary:     "Number of jobs ever posted",
	}, func(ctx context.Context, _ *struct{}) (*out[JobCountResponse], error) {
		n, err := e.JobCounter(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(JobCountResponse{Count: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID int64 `path:"job_id"`
	}) (*out[domain.Job], error) {
		job, err := e.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job-payout",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/payout",
		Summary:     "Get the payout reserved for a completed job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID int64 `path:"job_id"`
	}) (*out[domain.Payout], error) {
		p, err := e.JobPayout(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/cancel",
		Summary:     "Cancel an open job",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		JobID int64 `path:"job_id"`
	}) (*out[domain.Job], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.CancelJob(ctx, input.JobID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(job), nil
	})
}

func registerApplications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "apply-for-job",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/applications",
		Summary:       "Apply for an open job",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		JobID int64        `path:"job_id"`
		Body  ApplyRequest `json:"body"`
	}) (*out[domain.Application], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := e.ApplyForJob(ctx, engine.ApplyOptions{
			JobID:         input.JobID,
			Proposal:      input.Body.Proposal,
			ProposedPrice: input.Body.ProposedPrice,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(app), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/applications",
		Summary:     "List a job's applications in submission order",
	}, func(ctx context.Context, input *struct {
		JobID int64 `path:"job_id"`
	}) (*out[[]domain.Application], error) {
		apps, err := e.GetJobApplications(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(apps), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-freelancer",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/select",
		Summary:     "Select an applicant",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		JobID int64                   `path:"job_id"`
		Body  SelectFreelancerRequest `json:"body"`
	}) (*out[domain.Job], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.SelectFreelancer(ctx, input.JobID, input.Body.Applicant, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(job), nil
	})
}

func registerEscrow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "complete-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/complete",
		Summary:     "Complete a job and release escrow",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		JobID int64              `path:"job_id"`
		Body  CompleteJobRequest `json:"body"`
	}) (*out[CompletionResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CompleteJob(ctx, input.JobID, input.Body.Amount, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(completionResponse(c)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "rate-freelancer",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/rating",
		Summary:       "Rate the freelancer of a completed job",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		JobID int64                 `path:"job_id"`
		Body  RateFreelancerRequest `json:"body"`
	}) (*out[domain.Rating], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rt, err := e.RateFreelancer(ctx, input.JobID, input.Body.Score, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rt), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-balance",
		Method:      http.MethodGet,
		Path:        "/balances/{identity}",
		Summary:     "Escrow credits for an identity",
	}, func(ctx context.Context, input *struct {
		Identity string `path:"identity"`
	}) (*out[domain.Balance], error) {
		b, err := e.BalanceOf(ctx, input.Identity)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(b), nil
	})
}

func registerPlatform(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-platform",
		Method:      http.MethodGet,
		Path:        "/platform",
		Summary:     "Marketplace settings and platform balance",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*out[PlatformResponse], error) {
		s, err := e.Settings(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		bal, err := e.PlatformBalance(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(PlatformResponse{Settings: s, Balance: bal}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-platform-fee",
		Method:      http.MethodPut,
		Path:        "/platform/fee",
		Summary:     "Set the platform fee percentage (owner only)",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body UpdateFeeRequest `json:"body"`
	}) (*out[domain.Settings], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.UpdatePlatformFee(ctx, input.Body.PlatformFeePercent, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	for _, op := range []struct {
		id, path, summary string
		fn                func(context.Context, string) (domain.Settings, error)
	}{
		{"pause", "/platform/pause", "Pause the marketplace (owner only)", e.Pause},
		{"unpause", "/platform/unpause", "Resume the marketplace (owner only)", e.Unpause},
	} {
		fn := op.fn
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, _ *struct{}) (*out[domain.Settings], error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			s, err := fn(ctx, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(s), nil
		})
	}
}

func registerPayouts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-payouts",
		Method:      http.MethodGet,
		Path:        "/payouts",
		Summary:     "List payout reservations (owner only)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,settled"`
		Limit  int    `query:"limit" default:"50"`
	}) (*out[[]domain.Payout], error) {
		if _, err := requireOwner(ctx, e, "list payouts"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListPayouts(ctx, domain.PayoutStatus(input.Status), normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settle-payout",
		Method:      http.MethodPost,
		Path:        "/payouts/{payout_id}/settle",
		Summary:     "Disburse a pending payout (owner only)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		PayoutID string `path:"payout_id"`
	}) (*out[domain.Payout], error) {
		if _, err := requireOwner(ctx, e, "settle payout"); err != nil {
			return nil, handleError(err)
		}
		p, err := e.SettlePayout(ctx, input.PayoutID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(err)
			}
			return nil, newAPIError(http.StatusBadGateway, "disbursement_failed", err.Error(), map[string]any{"payout_id": input.PayoutID})
		}
		return reply(p), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Read the event log",
		Description: "Without after, returns the newest events first. With after, returns events with larger ids in commit order.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"marketplace,profile,job,payout"`
		EntityID   string `query:"entity_id"`
		After      string `query:"after"`
		Limit      int    `query:"limit" default:"50"`
	}) (*out[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		var items []domain.Event
		var err error
		if input.After != "" {
			after, perr := strconv.ParseInt(input.After, 10, 64)
			if perr != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid after cursor", map[string]any{"after": input.After})
			}
			items, err = e.EventsAfter(ctx, after, limit)
		} else {
			items, err = e.Repo.LatestEvents(ctx, limit, repo.EventFilters{
				Type:       input.Type,
				EntityKind: input.EntityKind,
				EntityID:   input.EntityID,
			})
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		if input.After != "" && len(items) == limit {
			resp.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return reply(resp), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*out[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg, actor, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
