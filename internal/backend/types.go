package backend

// LoginRequest represents the request body for POST /auth/login
type LoginRequest struct {
	UsernameOrEmail string `json:"username_or_email"`
	Password        string `json:"password"`
}

// RegisterRequest represents the request body for POST /auth/register
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// VerifyEmailRequest represents the request body for POST /auth/verify-email
type VerifyEmailRequest struct {
	Token string `json:"token"`
}

// AuthResponse is shared by the login, register and verify-email endpoints
type AuthResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	AccessToken string `json:"access_token,omitempty"`
	TokenType   string `json:"token_type,omitempty"`
	User        *User  `json:"user,omitempty"`
}

// User is the profile returned by GET /auth/me and embedded in login responses
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	CreatedAt     string `json:"created_at,omitempty"`
	LastLogin     string `json:"last_login,omitempty"`
}

// ChatRequest represents the request body for POST /chat
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse is returned by both /chat and /chat/image
type ChatResponse struct {
	Response  string `json:"response"`
	ModelUsed string `json:"model_used,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// HealthResponse represents the response from GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ImageUpload is the file part of a /chat/image request
type ImageUpload struct {
	Filename    string
	ContentType string
	Data        []byte
}
