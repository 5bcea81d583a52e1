package signaling

import (
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const identityPrefix = "user_"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("printable", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if strings.TrimSpace(s) != s {
			return false
		}
		for _, r := range s {
			if !unicode.IsPrint(r) {
				return false
			}
		}
		return true
	})
	_ = v.RegisterValidation("token", func(fl validator.FieldLevel) bool {
		return !strings.ContainsAny(fl.Field().String(), " \t\r\n")
	})
	return v
}

type identityClaim struct {
	Identity string `validate:"required,max=64,printascii,token"`
}

type nameClaim struct {
	DisplayName string `validate:"required,max=32,printable"`
}

// claim settles the identity and display name for a new connection.
func claim(req ConnectRequest) (identity, name string) {
	identity = req.Identity
	if validate.Struct(identityClaim{Identity: identity}) != nil {
		identity = mintIdentity()
	}

	name = strings.TrimSpace(req.DisplayName)
	if !validName(name) {
		name = defaultName(identity)
	}
	return identity, name
}

func mintIdentity() string {
	return identityPrefix + uuid.NewString()
}

func validName(name string) bool {
	return validate.Struct(nameClaim{DisplayName: name}) == nil
}

// defaultName derives "User" plus the identity's last four characters.
func defaultName(identity string) string {
	suffix := identity
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return "User" + suffix
}
