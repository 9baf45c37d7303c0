package lifecycle

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/robertarktes/rental-reservations/internal/domain"
)

const maxPhotos = 20

// CheckpointInput is what either party submits at check-in or check-out.
type CheckpointInput struct {
	Notes    string          `json:"notes" validate:"max=2000"`
	Readings domain.Readings `json:"readings"`
	Photos   []string        `json:"photos" validate:"max=20,dive,required,photo_url"`
}

func (in CheckpointInput) empty() bool {
	return len(in.Photos) == 0 && strings.TrimSpace(in.Notes) == "" && in.Readings.Empty()
}

type CheckpointValidator struct {
	validate *validator.Validate
	hosts    map[string]struct{}
}

// NewCheckpointValidator accepts photos from any host when trustedHosts is empty.
func NewCheckpointValidator(trustedHosts []string) (*CheckpointValidator, error) {
	cv := &CheckpointValidator{validate: validator.New(), hosts: map[string]struct{}{}}
	for _, h := range trustedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			cv.hosts[h] = struct{}{}
		}
	}
	cv.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := cv.validate.RegisterValidation("photo_url", cv.validPhotoURL); err != nil {
		return nil, errors.Wrap(err, "register photo_url validation")
	}
	return cv, nil
}

func (cv *CheckpointValidator) validPhotoURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(strings.TrimSpace(fl.Field().String()))
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return false
	}
	if len(cv.hosts) == 0 {
		return true
	}
	_, ok := cv.hosts[strings.ToLower(u.Hostname())]
	return ok
}

// Validate returns an INVALID_BODY error listing every offending field.
func (cv *CheckpointValidator) Validate(in CheckpointInput) error {
	if in.empty() {
		return domain.InvalidBody("checkpoint needs photos, notes or readings", nil)
	}
	fields := map[string]string{}
	if err := cv.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return errors.Wrap(err, "validate checkpoint")
		}
		for _, fe := range verrs {
			fields[fieldPath(fe)] = message(fe)
		}
	}
	if len(fields) > 0 {
		return domain.InvalidBody("checkpoint is invalid", fields)
	}
	return nil
}

// fieldPath drops the struct name so paths read like the JSON body, e.g. readings.fuel_percent.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "max":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("at most %d photos allowed", maxPhotos)
		}
		return "must be at most " + fe.Param() + " characters"
	case "gte":
		return "must not be negative"
	case "lte":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "required", "photo_url":
		return "must be a well-formed photo URL from a trusted host"
	}
	return "is invalid"
}
