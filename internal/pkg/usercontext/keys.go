package usercontext

// Shared Locals keys used across controllers and middlewares
const (
	KeyUserContext = "USER_CONTEXT"
	KeyUser        = "user"
	KeyUserID      = "user_id"
	KeyAuthMethod  = "auth_method"
)

// Authentication methods recorded on the request.
const (
	AuthMethodAPIKey    = "api_key"
	AuthMethodDashboard = "dashboard_token"
)
