package messages

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxJobIDLength = 100

var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	_ = v.RegisterValidation("safeurl", func(fl validator.FieldLevel) bool {
		return IsSafeURL(fl.Field().String())
	})
	_ = v.RegisterValidation("jobid", func(fl validator.FieldLevel) bool {
		return ValidJobID(fl.Field().String())
	})
	_ = v.RegisterValidation("jsonobject", func(fl validator.FieldLevel) bool {
		field := fl.Field()
		if field.Kind() != reflect.Slice {
			return false
		}
		raw := bytes.TrimSpace(field.Bytes())
		return len(raw) > 0 && raw[0] == '{'
	})
	v.RegisterStructValidation(validateErrorPayload, ErrorPayload{})
	return v
}

// DOWNLOAD_FAILED errors must identify the download; every other code
// must carry a message.
func validateErrorPayload(sl validator.StructLevel) {
	p := sl.Current().Interface().(ErrorPayload)
	if p.Error.Code == CodeDownloadFailed && p.Context != nil {
		if p.Context.URL == "" {
			sl.ReportError(p.Context.URL, "context.url", "URL", "required", "")
		}
		if p.Context.FileName == "" {
			sl.ReportError(p.Context.FileName, "context.fileName", "FileName", "required", "")
		}
		return
	}
	if p.Error.Message == "" {
		sl.ReportError(p.Error.Message, "error.message", "Message", "required", "")
	}
}

type variant struct {
	payload  func() any
	optional bool
}

var variants = map[Type]variant{
	TypeStartGeneration:      {payload: func() any { return new(StartGeneration) }},
	TypeCancelJob:            {payload: func() any { return new(CancelJob) }},
	TypeApplyAndGenerate:     {payload: func() any { return new(ApplyAndGenerate) }},
	TypeApplyPrompt:          {payload: func() any { return new(ApplyPrompt) }},
	TypeProgressUpdate:       {payload: func() any { return new(ProgressUpdate) }},
	TypeImageReady:           {payload: func() any { return new(ImageReady) }},
	TypeGenerationComplete:   {payload: func() any { return new(GenerationComplete) }},
	TypeGenerationError:      {payload: func() any { return new(GenerationError) }},
	TypeDownloadImage:        {payload: func() any { return new(DownloadImage) }},
	TypeOpenOrFocusTab:       {payload: func() any { return new(OpenOrFocusTab) }},
	TypeGetPageState:         {optional: true},
	TypePageState:            {payload: func() any { return new(PageState) }},
	TypeError:                {payload: func() any { return new(ErrorPayload) }},
	TypeLoginRequiredCheck:   {payload: func() any { return new(LoginRequiredCheck) }, optional: true},
	TypeLoginRequiredResult:  {payload: func() any { return new(LoginRequiredResult) }},
	TypeLoginCompletedCheck:  {payload: func() any { return new(LoginCompletedCheck) }},
	TypeLoginCompletedResult: {payload: func() any { return new(LoginCompletedResult) }},
	TypePauseRunningJob:      {payload: func() any { return new(PauseRunningJob) }},
	TypeJobPauseResult:       {payload: func() any { return new(JobPauseResult) }},
	TypeSaveJobState:         {payload: func() any { return new(SaveJobState) }},
	TypeJobSaveResult:        {payload: func() any { return new(JobSaveResult) }},
	TypeResumeSavedJob:       {optional: true},
	TypeJobResumeResult:      {payload: func() any { return new(JobResumeResult) }},
	TypeLoginCacheReset:      {optional: true},
	TypeLoginCacheCleared:    {optional: true},
	TypeLoginDetectionError:  {payload: func() any { return new(LoginDetectionError) }},
	TypeNetworkStateChanged:  {payload: func() any { return new(NetworkStateChanged) }},
	TypeJobPaused:            {payload: func() any { return new(JobPaused) }},
	TypeJobResumed:           {payload: func() any { return new(JobResumed) }},
	TypeResumeJob:            {payload: func() any { return new(ResumeJob) }},
}

// Validate checks m against the validator for its type. The returned
// error wraps ErrUnknownType or ErrInvalidPayload.
func Validate(m Message) error {
	v, ok := variants[m.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	raw := bytes.TrimSpace(m.Payload)
	empty := len(raw) == 0 || bytes.Equal(raw, []byte("null"))
	if empty {
		if v.optional {
			return nil
		}
		return fmt.Errorf("%w: %s requires a payload", ErrInvalidPayload, m.Type)
	}
	if v.payload == nil {
		return nil
	}
	target := v.payload()
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, m.Type, err)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidPayload, m.Type, describe(err))
	}
	return nil
}

// IsValidMessage reports whether m passes Validate.
func IsValidMessage(m Message) bool {
	return Validate(m) == nil
}

// ValidatePayload runs the struct rules for an already decoded payload.
func ValidatePayload(payload any) error {
	if err := validate.Struct(payload); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, describe(err))
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if idx := strings.IndexByte(field, '.'); idx >= 0 {
			field = field[idx+1:]
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// IsSafeURL reports whether raw is an absolute http or https URL.
func IsSafeURL(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

// ValidJobID reports whether id is a non-empty identifier of letters,
// digits, underscores, and hyphens no longer than 100 characters.
func ValidJobID(id string) bool {
	return len(id) > 0 && len(id) <= maxJobIDLength && jobIDPattern.MatchString(id)
}
