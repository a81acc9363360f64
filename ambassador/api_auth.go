package ambassador

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
)

const (
	sessionName          = "user"
	sessionUsernameField = "username"
	msgUnauthorized      = "unauthorized"
)

var errNoSessionUser = errors.New("no user in session")

// CookieStore is the session store used for admin logins
type CookieStore interface {
	sessions.Store
}

type cookieStore struct {
	*gsessions.CookieStore
}

// NewCookieStore returns a gorilla cookie store usable by gin's
// sessions middleware
func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{CookieStore: gsessions.NewCookieStore(keyPairs...)}
}

func (s *cookieStore) Options(options sessions.Options) {
	s.CookieStore.Options = options.ToGorillaOptions()
}

// newSessionStore derives the cookie key from the API secret. Without a
// secret, a random key is used and sessions end when the process exits.
func newSessionStore(a *Ambassador) CookieStore {
	var key []byte
	if secret := a.config.API.Secret; secret != "" {
		key = sessionKey(secret)
	} else {
		a.logger.Warn("no api secret set, sessions won't survive a restart")
		key = securecookie.GenerateRandomKey(64)
	}
	store := NewCookieStore(key)
	store.Options(sessionOptions(a.config.API))
	return store
}

// sessionOptions relaxes SameSite in development so a UI served from
// another origin can log in
func sessionOptions(config *APIConfig) sessions.Options {
	opts := sessions.Options{
		Path:     "/",
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	if config.Development {
		opts.SameSite = http.SameSiteNoneMode
	}
	return opts
}

func (a *API) sessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionName)
	if err != nil {
		return "", err
	}
	username, _ := session.Values[sessionUsernameField].(string)
	if username == "" {
		return "", errNoSessionUser
	}
	return username, nil
}

// authMiddleware rejects requests without a logged-in session. Nothing
// is reachable until the admin credentials have been set up.
func authMiddleware(a *Ambassador, api *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if a.pendingSetup.Load() {
			logger.Warn("rejected request, admin setup is pending")
			replyError(c, http.StatusUnauthorized, msgUnauthorized)
			return
		}
		username, err := api.sessionUsername(c)
		if err != nil {
			logger.Warn("rejected request without session", tint.Err(err))
			replyError(c, http.StatusUnauthorized, msgUnauthorized)
			return
		}
		logger.Debug("authenticated", sessionUsernameField, username)
		c.Next()
	}
}

type setupResponse struct {
	Required bool `json:"required"`
}

func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.a.pendingSetup.Load()})
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required,min=1,max=64"`
	Password        string `json:"password" binding:"required,min=8,max=128"`
	ConfirmPassword string `json:"confirm_password" binding:"required,eqfield=Password"`
}

// adminSetup stores the first set of admin credentials. Once they exist,
// it's forbidden.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.a.cfgMu.Lock()
	defer h.a.cfgMu.Unlock()

	if !h.a.pendingSetup.Load() {
		replyError(c, http.StatusForbidden, "forbidden")
		return
	}

	logger := ginContextLogger(c)
	var payload adminSetupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Warn("invalid setup payload", tint.Err(err))
		replyError(c, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := HashPassword(payload.Password)
	if err != nil {
		logger.Error("hashing admin password failed", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "error setting admin credentials")
		return
	}

	rc := h.a.runtimeConfig
	if _, err = h.a.writeDB.Updates(
		c, rc, map[string]any{
			columnRuntimeConfigAdminUsername: payload.Username,
			columnRuntimeConfigAdminPassword: hash,
		},
	); err != nil {
		logger.Error("saving admin credentials failed", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "error setting admin credentials")
		return
	}
	rc.AdminUsername = payload.Username
	rc.AdminPassword = hash
	h.a.pendingSetup.Store(false)
	logger.Info("admin credentials set", "username", payload.Username)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

// checkLogin reports whether the credentials match the stored admin
func (h *APIHandlers) checkLogin(login userLogin) (bool, error) {
	rc := h.a.RuntimeConfig()
	if rc.AdminUsername == "" || rc.AdminPassword == "" {
		return false, nil
	}
	if login.Username != rc.AdminUsername {
		return false, nil
	}
	return VerifyPassword(rc.AdminPassword, login.Password)
}

// loginHandler starts a session for valid admin credentials. Attempts
// are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		replyError(c, http.StatusTooManyRequests, "too many requests")
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		replyError(c, http.StatusBadRequest, err.Error())
		return
	}

	ok, err := h.checkLogin(login)
	switch {
	case err != nil:
		logger.Error("verifying password failed", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "internal server error")
		return
	case !ok:
		logger.Warn("failed login", "username", login.Username)
		replyError(c, http.StatusUnauthorized, msgUnauthorized)
		return
	}

	session, err := h.api.store.New(c.Request, sessionName)
	if err != nil || session == nil {
		logger.Error("creating session failed", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "internal server error")
		return
	}
	opts := sessionOptions(h.api.config)
	session.Options = opts.ToGorillaOptions()
	session.Values[sessionUsernameField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("saving session failed", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "internal server error")
		return
	}
	logger.Info("logged in", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.api.store.Get(c.Request, sessionName)
	if err != nil {
		logger.Error("reading session failed", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "internal server error")
		return
	}
	session.Values[sessionUsernameField] = ""
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("clearing session failed", tint.Err(err))
	}
	replyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.api.sessionUsername(c)
	if err != nil {
		replyError(c, http.StatusUnauthorized, msgUnauthorized)
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}
