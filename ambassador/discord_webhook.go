package ambassador

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	headerSignature          = "X-Signature-Ed25519"
	headerSignatureTimestamp = "X-Signature-Timestamp"

	// maxSignatureSkew bounds how far a signed timestamp may be from now
	maxSignatureSkew = 5 * time.Minute

	ginKeyInteraction = "discord_interaction"
)

// DiscordWebhookServer receives interactions over HTTP, as an alternative
// to the gateway
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(_ context.Context) error {
	if d.httpServer.TLSConfig != nil {
		return d.httpServer.ListenAndServeTLS("", "")
	}
	d.logger.Warn("starting webhook server without TLS", "listen", d.config.Listen)
	return d.httpServer.ListenAndServe()
}

func newWebhookServer(a *Ambassador, config DiscordWebhookServerConfig) (*DiscordWebhookServer, error) {
	engine := gin.New()
	if !a.config.Development {
		engine.Use(gin.Recovery())
	}
	engine.Use(requestIDMiddleware(), ginLoggingMiddleware())
	engine.POST(
		apiDiscordInteractions,
		signedInteractionMiddleware(a.discord.publicKey),
		func(c *gin.Context) { a.webhookInteractionHandler(c) },
	)

	httpServer, err := config.newHTTPServer(engine)
	if err != nil {
		return nil, fmt.Errorf("webhook server: %w", err)
	}
	srv := &DiscordWebhookServer{
		config:     config,
		engine:     engine,
		httpServer: httpServer,
		logger:     slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "discord_webhook"),
	}
	return srv, nil
}

// webhookResponder writes the initial response as the HTTP response
// body. Edits go through the REST API, as they do for the gateway.
// See: https://discord.com/developers/docs/interactions/receiving-and-responding#responding-to-an-interaction
//
//nolint:lll  // can't split link
type webhookResponder struct {
	InteractionHandler
	ginContext *gin.Context
}

func (webhookResponder) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

func (w webhookResponder) Respond(_ context.Context, r *discordgo.InteractionResponse) error {
	w.ginContext.JSON(http.StatusOK, r)
	// discord needs the acknowledgement before a deferred command finishes
	w.ginContext.Writer.Flush()
	return nil
}

// webhookReceiveHandler handles an interaction that
// [signedInteractionMiddleware] has already verified and decoded
func webhookReceiveHandler(ctx context.Context, a *Ambassador) gin.HandlerFunc {
	return func(c *gin.Context) {
		i := c.MustGet(ginKeyInteraction).(*discordgo.InteractionCreate)
		logger := ginContextLogger(c).With("interaction_id", i.ID)
		a.handleInteraction(
			WithLogger(ctx, logger),
			webhookResponder{InteractionHandler: a.getInteractionHandlerFunc(ctx, i), ginContext: c},
		)
	}
}

// signedInteractionMiddleware rejects requests that aren't signed with
// the application's key, then decodes the interaction into the context
func signedInteractionMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if !verifyRequest(c.Request, publicKey) {
			logger.WarnContext(c, "rejected webhook request with invalid signature")
			replyError(c, http.StatusUnauthorized, "invalid signature")
			return
		}
		var i discordgo.InteractionCreate
		if err := json.NewDecoder(c.Request.Body).Decode(&i); err != nil {
			logger.WarnContext(c, "error decoding interaction", tint.Err(err))
			replyError(c, http.StatusBadRequest, "invalid interaction")
			return
		}
		c.Set(ginKeyInteraction, &i)
		c.Next()
	}
}

// verifyRequest checks the ed25519 signature over the timestamp header
// and body, and that the timestamp is recent. The body is left readable.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	if len(key) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(r.Header.Get(headerSignature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	timestamp := r.Header.Get(headerSignatureTimestamp)
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if skew := time.Since(time.Unix(unix, 0)); skew > maxSignatureSkew || skew < -maxSignatureSkew {
		return false
	}

	body, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return false
	}
	return ed25519.Verify(key, append([]byte(timestamp), body...), sig)
}
