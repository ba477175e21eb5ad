package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"mealline/internal/archive"
	"mealline/internal/engine"
	"mealline/internal/engine/auth"
	"mealline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Sweeper  *archive.Sweeper
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"version_conflict"`
	Message string         `json:"message" example:"order abc version conflict: stored version 3, submitted version 2"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Mealline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Mealline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOrders(group, cfg.Engine)
	registerArchive(group, cfg.Engine, cfg.Sweeper)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), map[string]any{
			"current_version": orderResponse(ce.Current),
			"your_version":    orderResponse(ce.Submitted),
		})
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrNoMergedData) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, archive.ErrSweepRunning) {
		return newAPIError(http.StatusConflict, "sweep_running", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// requirePermission checks the JWT claims first, then the stored role grants
// for the configured facility.
func requirePermission(ctx context.Context, e engine.Engine, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	facilityID := ""
	if e.Config != nil {
		facilityID = e.Config.Facility.ID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Auth.ActorHasPermission(ctx, tx, facilityID, principal.ActorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
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
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Mealline API Docs</title>
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

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/orders",
		Summary:       "Create meal order",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateOrderRequest `json:"body"`
	}) (*struct {
		Body OrderEnvelope `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, "order.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.OrderCreateOptions{
			ResidentID:   input.Body.ResidentID,
			MealType:     input.Body.MealType,
			Items:        domainItems(input.Body.Items),
			ScheduledFor: input.Body.ScheduledFor,
			ActorID:      actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.DietaryNotes != nil {
			opts.DietaryNotes = *input.Body.DietaryNotes
		}
		o, warning, err := e.CreateOrder(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderEnvelope `json:"body"`
		}{Body: OrderEnvelope{Order: orderResponse(o), Warning: warning}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List meal orders",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ResidentID string `query:"resident_id"`
		Status     string `query:"status" enum:",pending,confirmed,preparing,prepared,completed,cancelled"`
		MealType   string `query:"meal_type" enum:",breakfast,lunch,dinner,snack"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedOrders `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "order.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		facilityID := ""
		if e.Config != nil {
			facilityID = e.Config.Facility.ID
		}
		items, err := e.Repo.ListOrders(ctx, repo.OrderFilters{
			FacilityID:      facilityID,
			ResidentID:      input.ResidentID,
			Status:          input.Status,
			MealType:        input.MealType,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedOrders{Items: []OrderResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		for _, o := range items {
			resp.Items = append(resp.Items, orderResponse(o))
		}
		return &struct {
			Body paginatedOrders `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}",
		Summary:     "Get meal order",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "order.read"); err != nil {
			return nil, handleError(err)
		}
		o, err := e.GetOrder(ctx, input.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-order",
		Method:      http.MethodPatch,
		Path:        "/orders/{order_id}",
		Summary:     "Update meal order",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OrderID string             `path:"order_id"`
		Body    UpdateOrderRequest `json:"body"`
	}) (*struct {
		Body OrderEnvelope `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		current, err := e.Repo.GetOrder(ctx, input.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		perm := "order.update"
		if engine.IsTerminal(current.Status) {
			perm = "order.update.terminal"
		}
		if err := requirePermission(ctx, e, perm); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.OrderUpdateOptions{
			ID:           input.OrderID,
			MealType:     input.Body.MealType,
			DietaryNotes: input.Body.DietaryNotes,
			Status:       input.Body.Status,
			ScheduledFor: input.Body.ScheduledFor,
			Version:      input.Body.Version,
			Force:        input.Body.Force,
			ActorID:      actorID,
		}
		if input.Body.Items != nil {
			items := domainItems(*input.Body.Items)
			opts.Items = &items
		}
		o, warning, err := e.UpdateOrder(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderEnvelope `json:"body"`
		}{Body: OrderEnvelope{Order: orderResponse(o), Warning: warning}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-order-status",
		Method:      http.MethodPost,
		Path:        "/orders/{order_id}/status",
		Summary:     "Move order through the kitchen workflow",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OrderID string                `path:"order_id"`
		Body    SetOrderStatusRequest `json:"body"`
	}) (*struct {
		Body OrderEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "order.status.update"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, warning, err := e.SetOrderStatus(ctx, input.OrderID, input.Body.Status, actorID, input.Body.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderEnvelope `json:"body"`
		}{Body: OrderEnvelope{Order: orderResponse(o), Warning: warning}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-order-conflict",
		Method:      http.MethodPost,
		Path:        "/orders/{order_id}/resolve",
		Summary:     "Resolve a version conflict with merged data",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OrderID string                 `path:"order_id"`
		Body    ResolveConflictRequest `json:"body"`
	}) (*struct {
		Body ResolveResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, "order.resolve"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		merged := input.Body.MergedData
		opts := engine.ResolveOptions{
			ID:           input.OrderID,
			MealType:     merged.MealType,
			DietaryNotes: merged.DietaryNotes,
			Status:       merged.Status,
			ScheduledFor: merged.ScheduledFor,
			ResolvedBy:   actorID,
		}
		if merged.Items != nil {
			items := domainItems(*merged.Items)
			opts.Items = &items
		}
		o, warning, err := e.ResolveConflict(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResolveResponse `json:"body"`
		}{Body: ResolveResponse{Success: true, ResolvedOrder: orderResponse(o), Warning: warning}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "order-history",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}/history",
		Summary:     "Order snapshot history, newest first",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedSnapshots `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "order.history.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorVersion int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorVersion = parsed
		}
		items, err := e.OrderHistory(ctx, input.OrderID, limit+1, cursorVersion)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedSnapshots{Items: []SnapshotResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].Version)
			items = items[:limit]
		}
		for _, s := range items {
			resp.Items = append(resp.Items, snapshotResponse(s))
		}
		return &struct {
			Body paginatedSnapshots `json:"body"`
		}{Body: resp}, nil
	})
}

func registerArchive(api huma.API, e engine.Engine, sweeper *archive.Sweeper) {
	huma.Register(api, huma.Operation{
		OperationID: "get-archived-record",
		Method:      http.MethodGet,
		Path:        "/archive/{collection}/{document_id}",
		Summary:     "Latest archived copy of a document",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Collection string `path:"collection"`
		DocumentID string `path:"document_id"`
	}) (*struct {
		Body ArchivedRecordResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "archive.read"); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Repo.LatestArchivedRecord(ctx, input.Collection, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArchivedRecordResponse `json:"body"`
		}{Body: archivedRecordResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-archive-sweep",
		Method:      http.MethodPost,
		Path:        "/archive/sweep",
		Summary:     "Run a retention sweep now",
		Errors: []int{
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body archive.Result `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "archive.sweep"); err != nil {
			return nil, handleError(err)
		}
		if sweeper == nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "sweeper not configured", nil)
		}
		res, err := sweeper.Run(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body archive.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:",order,rbac"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "events.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		facilityID := ""
		if e.Config != nil {
			facilityID = e.Config.Facility.ID
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, facilityID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/rbac/roles/grant",
		Summary:     "Grant role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, "keys.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantRole(ctx, actorID, input.Body.ActorID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/rbac/roles/revoke",
		Summary:     "Revoke role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, "keys.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, actorID, input.Body.ActorID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		perms := principal.Permissions
		if len(perms) == 0 && e.Config != nil {
			if who, err := e.WhoAmI(ctx, principal.ActorID); err == nil {
				if len(roles) == 0 {
					roles = who.Roles
				}
				perms = who.Permissions
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
			Source:      principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, expiresAt, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions, input.Body.TTLSeconds)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, ExpiresAt: expiresAt}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
