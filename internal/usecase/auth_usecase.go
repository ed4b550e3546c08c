package usecase

import (
	"friendfinder/internal/entity"
	"friendfinder/pkg/jwt"
)

// AuthUsecase verifies identities issued by the account service.
type AuthUsecase interface {
	ValidateAccessToken(token string) (*entity.TokenClaims, error)
}

type authUsecase struct {
	jwtManager *jwt.JWTManager
}

func NewAuthUsecase(jwtManager *jwt.JWTManager) AuthUsecase {
	return &authUsecase{
		jwtManager: jwtManager,
	}
}

func (a *authUsecase) ValidateAccessToken(token string) (*entity.TokenClaims, error) {
	return a.jwtManager.ValidateAccessToken(token)
}
