package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/qqqwwwyeee-boop/server5/internal/model"
	"github.com/qqqwwwyeee-boop/server5/internal/util"
)

const adminSubject = "admin"

// AuthHandler exchanges the shared admin secret for a bearer token.
type AuthHandler struct {
	jwtSecret  string
	secretHash string
	tokenTTL   time.Duration
}

func NewAuthHandler(jwtSecret, secretHash string, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{jwtSecret: jwtSecret, secretHash: secretHash, tokenTTL: tokenTTL}
}

func (h *AuthHandler) HandleIssueToken(c *fiber.Ctx) error {
	var input model.TokenInput
	if err := parseBody(c, &input); err != nil {
		return err
	}

	if h.secretHash == "" {
		log.Warn().Str("ip", c.IP()).Msg("token requested but no admin secret is configured")
		return fiber.NewError(fiber.StatusUnauthorized, "Invalid admin secret")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(h.secretHash), []byte(input.Secret)); err != nil {
		log.Warn().Str("ip", c.IP()).Msg("rejected admin secret")
		return fiber.NewError(fiber.StatusUnauthorized, "Invalid admin secret")
	}

	token, err := util.GenerateToken(h.jwtSecret, adminSubject, util.RoleAdmin, h.tokenTTL)
	if err != nil {
		return err
	}

	log.Info().Str("ip", c.IP()).Msg("admin token issued")
	return c.JSON(fiber.Map{
		"token":      token,
		"expires_at": time.Now().Add(h.tokenTTL).UTC().Format(time.RFC3339),
	})
}
