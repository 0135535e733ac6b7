package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/relaygate/relaygate/internal/crypto"
	"github.com/relaygate/relaygate/internal/domain/audit"
	"github.com/relaygate/relaygate/internal/domain/gwerr"
	"github.com/relaygate/relaygate/internal/domain/identity"
	"github.com/relaygate/relaygate/internal/domain/rbac"
)

const (
	// providerCallTimeout bounds each outbound call to an identity provider.
	providerCallTimeout = 10 * time.Second

	// maxUserinfoBodySize bounds the userinfo response body.
	maxUserinfoBodySize = 1 << 20

	// defaultRoleName is bound to every user on first login.
	defaultRoleName = rbac.RoleUser

	// callbackPath is the fixed redirect path registered with providers.
	callbackPath = "/auth/callback"

	// LocalProviderID names the built-in break-glass admin login.
	LocalProviderID = "local"

	// localAdminEmail identifies the break-glass admin account.
	localAdminEmail = "admin@localhost"
)

// LoginResult is a successful OAuth callback outcome.
type LoginResult struct {
	Token     string
	ExpiresIn time.Duration
	User      *identity.User
}

// AuthService implements the OAuth 2.1 + PKCE login flow, token issuance
// and verification, and OAuth provider management.
type AuthService struct {
	users     identity.UserStore
	providers identity.ProviderStore
	flows     identity.FlowStore
	rbac      *RBACService
	secrets   *crypto.SecretBox
	config    *ConfigService
	auditor   Auditor
	logger    *slog.Logger

	jwtSecret []byte
	verifier  *crypto.TokenIssuer
	publicURL string

	// adminPasswordHash enables the break-glass local admin login when set.
	adminPasswordHash string

	// httpClient is used for token exchange and userinfo calls.
	httpClient *http.Client
}

// AuthOption configures AuthService.
type AuthOption func(*AuthService)

// WithAuthHTTPClient sets the HTTP client for provider calls.
func WithAuthHTTPClient(client *http.Client) AuthOption {
	return func(s *AuthService) { s.httpClient = client }
}

// WithLocalAdmin enables the break-glass admin login against an Argon2id
// password hash. An empty hash leaves local login disabled.
func WithLocalAdmin(passwordHash string) AuthOption {
	return func(s *AuthService) { s.adminPasswordHash = passwordHash }
}

// NewAuthService creates an AuthService.
func NewAuthService(
	users identity.UserStore,
	providers identity.ProviderStore,
	flows identity.FlowStore,
	rbacSvc *RBACService,
	secrets *crypto.SecretBox,
	configSvc *ConfigService,
	auditor Auditor,
	logger *slog.Logger,
	jwtSecret []byte,
	publicURL string,
	opts ...AuthOption,
) *AuthService {
	s := &AuthService{
		users:      users,
		providers:  providers,
		flows:      flows,
		rbac:       rbacSvc,
		secrets:    secrets,
		config:     configSvc,
		auditor:    auditor,
		logger:     logger,
		jwtSecret:  jwtSecret,
		verifier:   crypto.NewTokenIssuer(jwtSecret, 0),
		publicURL:  publicURL,
		httpClient: &http.Client{Timeout: providerCallTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProviderInput is the payload for configuring an OAuth provider.
type ProviderInput struct {
	Name         string   `validate:"required"`
	ClientID     string   `validate:"required"`
	ClientSecret string   `validate:"required"`
	AuthorizeURL string   `validate:"required,url"`
	TokenURL     string   `validate:"required,url"`
	UserinfoURL  string   `validate:"required,url"`
	Scopes       []string `validate:"required,min=1"`
}

// AddProvider configures a new OAuth provider. The client secret is
// encrypted before it reaches the store.
func (s *AuthService) AddProvider(ctx context.Context, actor *identity.Principal, in ProviderInput) (*identity.OAuthProvider, error) {
	if in.Name == "" || in.ClientID == "" || in.ClientSecret == "" ||
		in.AuthorizeURL == "" || in.TokenURL == "" || in.UserinfoURL == "" {
		return nil, gwerr.New(gwerr.BadRequest, "provider name, client credentials, and endpoint urls are required")
	}

	sealed, err := s.secrets.Seal([]byte(in.ClientSecret))
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "encrypt client secret failed", err)
	}

	now := time.Now().UTC()
	provider := &identity.OAuthProvider{
		ID:                     uuid.NewString(),
		Name:                   in.Name,
		ClientID:               in.ClientID,
		ClientSecretCiphertext: sealed,
		AuthorizeURL:           in.AuthorizeURL,
		TokenURL:               in.TokenURL,
		UserinfoURL:            in.UserinfoURL,
		Scopes:                 in.Scopes,
		Enabled:                true,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.providers.PutProvider(ctx, provider); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "store provider failed", err)
	}

	s.emitProviderChange(ctx, actor, audit.KindOAuthProviderAdded, provider.ID, provider.Name)
	return provider, nil
}

// RemoveProvider deletes an OAuth provider configuration.
func (s *AuthService) RemoveProvider(ctx context.Context, actor *identity.Principal, providerID string) error {
	err := s.providers.DeleteProvider(ctx, providerID)
	if errors.Is(err, identity.ErrProviderNotFound) {
		return gwerr.New(gwerr.NotFound, "oauth provider not found")
	}
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "delete provider failed", err)
	}

	s.emitProviderChange(ctx, actor, audit.KindOAuthProviderRemoved, providerID, "")
	return nil
}

// ListProviders returns all configured providers. Callers must not expose
// the secret ciphertext.
func (s *AuthService) ListProviders(ctx context.Context) ([]*identity.OAuthProvider, error) {
	return s.providers.ListProviders(ctx)
}

// EnabledProviders returns the providers offered on the login page.
func (s *AuthService) EnabledProviders(ctx context.Context) ([]*identity.OAuthProvider, error) {
	all, err := s.providers.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	enabled := make([]*identity.OAuthProvider, 0, len(all))
	for _, p := range all {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	return enabled, nil
}

// InitiateLogin starts the PKCE flow against a provider and returns the
// authorization URL to redirect the browser to.
func (s *AuthService) InitiateLogin(ctx context.Context, providerID string) (string, error) {
	provider, err := s.enabledProvider(ctx, providerID)
	if err != nil {
		return "", err
	}

	state, err := randomState()
	if err != nil {
		return "", gwerr.Wrap(gwerr.Internal, "generate state failed", err)
	}
	verifier := oauth2.GenerateVerifier()

	redirectURI := s.publicURL + callbackPath
	flow := &identity.OAuthFlow{
		State:        state,
		ProviderID:   provider.ID,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
		CreatedAt:    time.Now(),
	}
	if err := s.flows.Put(ctx, flow); err != nil {
		return "", gwerr.Wrap(gwerr.Internal, "store flow failed", err)
	}

	conf, err := s.oauthConfig(provider, redirectURI)
	if err != nil {
		return "", err
	}
	return conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// HandleCallback completes the PKCE flow: state check, code exchange,
// userinfo fetch, user upsert, and token issuance.
func (s *AuthService) HandleCallback(ctx context.Context, state, code, clientIP string) (*LoginResult, error) {
	flow, err := s.flows.Take(ctx, state)
	if errors.Is(err, identity.ErrFlowNotFound) {
		s.emitLoginFailure(ctx, clientIP, "", "unknown or expired state")
		return nil, gwerr.New(gwerr.Unauthenticated, "unknown or expired login flow")
	}
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "flow lookup failed", err)
	}

	provider, err := s.enabledProvider(ctx, flow.ProviderID)
	if err != nil {
		s.emitLoginFailure(ctx, clientIP, "", "provider unavailable")
		return nil, err
	}

	conf, err := s.oauthConfig(provider, flow.RedirectURI)
	if err != nil {
		return nil, err
	}

	token, err := s.exchangeCode(ctx, conf, code, flow.CodeVerifier)
	if err != nil {
		s.emitLoginFailure(ctx, clientIP, "", "code exchange failed")
		return nil, gwerr.Wrap(gwerr.Unauthenticated, "authorization code exchange failed", err)
	}

	info, err := s.fetchUserinfo(ctx, provider, token.AccessToken)
	if err != nil {
		s.emitLoginFailure(ctx, clientIP, "", "userinfo fetch failed")
		return nil, gwerr.Wrap(gwerr.Unauthenticated, "userinfo fetch failed", err)
	}
	if info.Subject == "" || info.Email == "" {
		s.emitLoginFailure(ctx, clientIP, info.Email, "userinfo missing subject or email")
		return nil, gwerr.New(gwerr.Unauthenticated, "provider did not supply subject and email")
	}

	user, err := s.upsertUser(ctx, provider, info)
	if err != nil {
		if errors.Is(err, identity.ErrUserDisabled) {
			s.emitLoginFailure(ctx, clientIP, info.Email, "user disabled")
			return nil, gwerr.New(gwerr.Forbidden, "account is disabled")
		}
		return nil, gwerr.Wrap(gwerr.Internal, "user upsert failed", err)
	}

	return s.completeLogin(ctx, user, provider.ID, provider.Name, clientIP)
}

// LocalLogin authenticates the break-glass admin account against the
// configured Argon2id hash. Intended for bootstrap and recovery, before any
// OAuth provider exists.
func (s *AuthService) LocalLogin(ctx context.Context, password, clientIP string) (*LoginResult, error) {
	if s.adminPasswordHash == "" {
		return nil, gwerr.New(gwerr.NotFound, "local login is not enabled")
	}

	ok, err := crypto.VerifyPassword(password, s.adminPasswordHash)
	if err != nil || !ok {
		s.emitLoginFailure(ctx, clientIP, localAdminEmail, "invalid password")
		return nil, gwerr.New(gwerr.Unauthenticated, "invalid credentials")
	}

	user, err := s.localAdminUser(ctx)
	if err != nil {
		if errors.Is(err, identity.ErrUserDisabled) {
			s.emitLoginFailure(ctx, clientIP, localAdminEmail, "user disabled")
			return nil, gwerr.New(gwerr.Forbidden, "account is disabled")
		}
		return nil, gwerr.Wrap(gwerr.Internal, "local admin account failed", err)
	}

	return s.completeLogin(ctx, user, LocalProviderID, LocalProviderID, clientIP)
}

// completeLogin mints the access token and records the login.
func (s *AuthService) completeLogin(ctx context.Context, user *identity.User, providerID, providerName, clientIP string) (*LoginResult, error) {
	ttl := s.config.Current().TokenTTL
	issuer := crypto.NewTokenIssuer(s.jwtSecret, ttl)
	signed, err := issuer.Issue(identity.Principal{
		UserID:     user.ID,
		Email:      user.Email,
		Name:       user.DisplayName,
		ProviderID: providerID,
	})
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "token issuance failed", err)
	}

	s.auditor.Emit(ctx, &audit.Event{
		Kind:      audit.KindAuthLoginSuccess,
		UserID:    user.ID,
		UserEmail: user.Email,
		IP:        clientIP,
		Action:    "login",
		Details:   map[string]any{"provider": providerName},
		Success:   true,
	})
	s.auditor.Emit(ctx, &audit.Event{
		Kind:      audit.KindAuthTokenIssued,
		UserID:    user.ID,
		UserEmail: user.Email,
		IP:        clientIP,
		Action:    "token.issue",
		Details:   map[string]any{"ttl_seconds": int(ttl.Seconds())},
		Success:   true,
	})

	return &LoginResult{Token: signed, ExpiresIn: ttl, User: user}, nil
}

// localAdminUser finds or creates the break-glass admin account and makes
// sure it holds the admin role.
func (s *AuthService) localAdminUser(ctx context.Context) (*identity.User, error) {
	now := time.Now().UTC()

	user, err := s.users.GetUserByEmail(ctx, localAdminEmail)
	if errors.Is(err, identity.ErrUserNotFound) {
		user = &identity.User{
			ID:          uuid.NewString(),
			Email:       localAdminEmail,
			DisplayName: "Local Administrator",
			ProviderID:  LocalProviderID,
			Subject:     "admin",
			Enabled:     true,
			CreatedAt:   now,
		}
	} else if err != nil {
		return nil, fmt.Errorf("lookup local admin: %w", err)
	}
	if !user.Enabled {
		return nil, identity.ErrUserDisabled
	}

	user.LastLoginAt = now
	if err := s.users.PutUser(ctx, user); err != nil {
		return nil, fmt.Errorf("store local admin: %w", err)
	}

	// AssignRole is idempotent, so re-binding on every login is harmless.
	role, err := s.rbac.store.GetRoleByName(ctx, rbac.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("lookup admin role: %w", err)
	}
	if err := s.rbac.AssignRole(ctx, nil, user.ID, role.ID); err != nil {
		return nil, fmt.Errorf("bind admin role: %w", err)
	}
	return user, nil
}

// VerifyToken validates a bearer token and confirms the user still exists
// and is enabled. Disabling a user invalidates their outstanding tokens.
func (s *AuthService) VerifyToken(ctx context.Context, token string) (*identity.Principal, error) {
	principal, err := s.verifier.Verify(token)
	if err != nil {
		return nil, gwerr.New(gwerr.Unauthenticated, "invalid or expired token")
	}

	user, err := s.users.GetUser(ctx, principal.UserID)
	if errors.Is(err, identity.ErrUserNotFound) {
		return nil, gwerr.New(gwerr.Unauthenticated, "unknown user")
	}
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "user lookup failed", err)
	}
	if !user.Enabled {
		return nil, gwerr.New(gwerr.Unauthenticated, "account is disabled")
	}
	return principal, nil
}

// Logout records the logout. Tokens are stateless, so the record is the
// whole effect; clients discard the token.
func (s *AuthService) Logout(ctx context.Context, principal *identity.Principal, clientIP string) {
	s.auditor.Emit(ctx, &audit.Event{
		Kind:      audit.KindAuthLogout,
		UserID:    principal.UserID,
		UserEmail: principal.Email,
		IP:        clientIP,
		Action:    "logout",
		Success:   true,
	})
}

func (s *AuthService) enabledProvider(ctx context.Context, providerID string) (*identity.OAuthProvider, error) {
	provider, err := s.providers.GetProvider(ctx, providerID)
	if errors.Is(err, identity.ErrProviderNotFound) {
		return nil, gwerr.New(gwerr.NotFound, "oauth provider not found")
	}
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "provider lookup failed", err)
	}
	if !provider.Enabled {
		return nil, gwerr.New(gwerr.BadRequest, "oauth provider is disabled")
	}
	return provider, nil
}

func (s *AuthService) oauthConfig(provider *identity.OAuthProvider, redirectURI string) (*oauth2.Config, error) {
	secret, err := s.secrets.Open(provider.ClientSecretCiphertext)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "decrypt client secret failed", err)
	}
	return &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: string(secret),
		Endpoint: oauth2.Endpoint{
			AuthURL:  provider.AuthorizeURL,
			TokenURL: provider.TokenURL,
		},
		RedirectURL: redirectURI,
		Scopes:      provider.Scopes,
	}, nil
}

// exchangeCode redeems the authorization code, retrying once on transient
// failure. Each attempt has its own deadline.
func (s *AuthService) exchangeCode(ctx context.Context, conf *oauth2.Config, code, verifier string) (*oauth2.Token, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
		callCtx = context.WithValue(callCtx, oauth2.HTTPClient, s.httpClient)
		token, err := conf.Exchange(callCtx, code, oauth2.VerifierOption(verifier))
		cancel()
		if err == nil {
			return token, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// fetchUserinfo calls the provider's userinfo endpoint with the access
// token, retrying once.
func (s *AuthService) fetchUserinfo(ctx context.Context, provider *identity.OAuthProvider, accessToken string) (*identity.Userinfo, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		info, err := s.fetchUserinfoOnce(ctx, provider, accessToken)
		if err == nil {
			return info, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (s *AuthService) fetchUserinfoOnce(ctx context.Context, provider *identity.OAuthProvider, accessToken string) (*identity.Userinfo, error) {
	callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, provider.UserinfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserinfoBodySize))
	if err != nil {
		return nil, fmt.Errorf("read userinfo: %w", err)
	}
	var info identity.Userinfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return &info, nil
}

// upsertUser finds or creates the user for a verified identity. Matching
// order: (provider, subject), then email (links an existing account to the
// provider), then a fresh account with the default role plus any roles
// mapped from the provider's group claims.
func (s *AuthService) upsertUser(ctx context.Context, provider *identity.OAuthProvider, info *identity.Userinfo) (*identity.User, error) {
	email := identity.NormalizeEmail(info.Email)
	now := time.Now().UTC()

	user, err := s.users.GetUserBySubject(ctx, provider.ID, info.Subject)
	if err != nil && !errors.Is(err, identity.ErrUserNotFound) {
		return nil, fmt.Errorf("lookup by subject: %w", err)
	}
	if user == nil {
		user, err = s.users.GetUserByEmail(ctx, email)
		if err != nil && !errors.Is(err, identity.ErrUserNotFound) {
			return nil, fmt.Errorf("lookup by email: %w", err)
		}
		if user != nil {
			// Same email from a different provider: link rather than
			// duplicate the account.
			user.ProviderID = provider.ID
			user.Subject = info.Subject
		}
	}

	created := false
	if user == nil {
		user = &identity.User{
			ID:          uuid.NewString(),
			Email:       email,
			DisplayName: info.Name,
			ProviderID:  provider.ID,
			Subject:     info.Subject,
			Enabled:     true,
			CreatedAt:   now,
		}
		created = true
	}

	if !user.Enabled {
		return nil, identity.ErrUserDisabled
	}

	if info.Name != "" {
		user.DisplayName = info.Name
	}
	user.LastLoginAt = now
	if err := s.users.PutUser(ctx, user); err != nil {
		return nil, fmt.Errorf("store user: %w", err)
	}

	if created {
		if err := s.assignInitialRoles(ctx, user, info.Groups); err != nil {
			// The account exists; role assignment failures must not block
			// login, the admin can repair bindings.
			s.logger.Error("initial role assignment failed",
				"user_id", user.ID,
				"error", err)
		}
	}

	return user, nil
}

// assignInitialRoles binds the default role and any AD-group-mapped roles
// to a freshly created user.
func (s *AuthService) assignInitialRoles(ctx context.Context, user *identity.User, groups []string) error {
	roleIDs, err := s.rbac.RolesForGroups(ctx, groups)
	if err != nil {
		return err
	}

	if def, err := s.rbac.store.GetRoleByName(ctx, defaultRoleName); err == nil {
		roleIDs = append(roleIDs, def.ID)
	}

	var errs []error
	for _, roleID := range roleIDs {
		if err := s.rbac.AssignRole(ctx, nil, user.ID, roleID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *AuthService) emitLoginFailure(ctx context.Context, clientIP, email, reason string) {
	s.auditor.Emit(ctx, &audit.Event{
		Kind:      audit.KindAuthLoginFailure,
		Severity:  audit.SeverityWarn,
		UserEmail: email,
		IP:        clientIP,
		Action:    "login",
		Details:   map[string]any{"reason": reason},
	})
}

func (s *AuthService) emitProviderChange(ctx context.Context, actor *identity.Principal, kind audit.Kind, providerID, name string) {
	event := &audit.Event{
		Kind:         kind,
		ResourceType: "oauth_provider",
		ResourceID:   providerID,
		Success:      true,
	}
	if name != "" {
		event.Details = map[string]any{"name": name}
	}
	if actor != nil {
		event.UserID = actor.UserID
		event.UserEmail = actor.Email
	}
	s.auditor.Emit(ctx, event)
}

func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
