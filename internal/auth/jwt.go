package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gwi.com/polychat/internal/config"
	"gwi.com/polychat/internal/store"
)

// Claims carries the identity-provider profile mirrored into the users table.
type Claims struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

func GenerateJWT(id store.Identity, ttl time.Duration) (string, error) {
	if config.AppConfig.JWTSecret == "" {
		return "", fmt.Errorf("JWT_SECRET is not set")
	}
	now := time.Now()
	claims := Claims{
		Name:    id.Name,
		Email:   id.Email,
		Picture: id.PictureURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.TokenIdentifier,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.AppConfig.JWTSecret))
}

func ValidateJWT(tokenString string) (store.Identity, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(config.AppConfig.JWTSecret), nil
	})
	if err != nil {
		return store.Identity{}, err
	}
	if !token.Valid || claims.Subject == "" {
		return store.Identity{}, fmt.Errorf("invalid token")
	}

	return store.Identity{
		TokenIdentifier: claims.Subject,
		Name:            claims.Name,
		Email:           claims.Email,
		PictureURL:      claims.Picture,
	}, nil
}
