package curriculum

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed lesson_content.schema.json
var lessonContentSchemaJSON []byte

const lessonContentSchemaURL = "lesson-content.schema.json"

// FieldError names one invalid field. Path locates the entity in the document,
// e.g. "modules[1].lessons[0]".
type FieldError struct {
	Path    string `json:"path"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s.%s: %s", f.Path, f.Field, f.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

const (
	requiredTag  = "required"
	requiredText = "this field is required"
)

var (
	validatorOnce sync.Once
	validate      *validator.Validate
	translator    ut.Translator
	contentSchema *jsonschema.Schema
	validatorErr  error
)

func initValidators() {
	validate = validator.New()
	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterTranslation(
		requiredTag, translator,
		func(t ut.Translator) error { return t.Add(requiredTag, requiredText, true) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T(requiredTag, fe.Field())
			return s
		},
	)

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(lessonContentSchemaJSON))
	if err != nil {
		validatorErr = fmt.Errorf("parse lesson content schema: %w", err)
		return
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(lessonContentSchemaURL, doc); err != nil {
		validatorErr = fmt.Errorf("add lesson content schema: %w", err)
		return
	}
	contentSchema, err = compiler.Compile(lessonContentSchemaURL)
	if err != nil {
		validatorErr = fmt.Errorf("compile lesson content schema: %w", err)
	}
}

// Validate checks every entity in the document. It performs no I/O and is run
// before any write so an invalid document produces zero side effects.
func Validate(c Course) error {
	validatorOnce.Do(initValidators)
	if validatorErr != nil {
		return validatorErr
	}
	var fields []FieldError
	fields = append(fields, structErrors("course", c.Payload())...)
	for i, m := range c.Modules {
		modulePath := fmt.Sprintf("modules[%d]", i)
		fields = append(fields, structErrors(modulePath, m.Payload())...)
		for j, l := range m.Lessons {
			lessonPath := fmt.Sprintf("%s.lessons[%d]", modulePath, j)
			fields = append(fields, structErrors(lessonPath, l.Payload())...)
			if msg := validateLessonContent(l); msg != "" {
				fields = append(fields, FieldError{Path: lessonPath, Field: "content_json", Message: msg})
			}
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// ValidatePayload checks a single write payload, e.g. one received by the
// persistence API.
func ValidatePayload(path string, payload any) error {
	validatorOnce.Do(initValidators)
	if validatorErr != nil {
		return validatorErr
	}
	fields := structErrors(path, payload)
	if lp, ok := payload.(LessonPayload); ok {
		if msg := validateLessonContent(Lesson{Content: lp.Content}); msg != "" {
			fields = append(fields, FieldError{Path: path, Field: "content_json", Message: msg})
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func structErrors(path string, payload any) []FieldError {
	err := validate.Struct(payload)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Path: path, Message: err.Error()}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Path: path, Field: fe.Field(), Message: fe.Translate(translator)})
	}
	return out
}

func validateLessonContent(l Lesson) string {
	if len(bytes.TrimSpace(l.Content)) == 0 {
		return ""
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(l.Content))
	if err != nil {
		return "content is not valid JSON"
	}
	if err := contentSchema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return strings.TrimSpace(verr.Error())
		}
		return err.Error()
	}
	return ""
}
