package app

import (
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var validate *validator.Validate
var uniTrans *ut.UniversalTranslator

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	en := en.New()
	uniTrans = ut.New(en, en)
	enTrans, _ := uniTrans.GetTranslator("en")

	if err := en_translations.RegisterDefaultTranslations(validate, enTrans); err != nil {
		panic(err)
	}

	// json name when present, lowercase field name otherwise
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return strings.ToLower(field.Name)
		}
		return name
	})

	validate.RegisterValidation("port", func(fl validator.FieldLevel) bool {
		port, ok := fl.Field().Interface().(int)
		if !ok {
			return false
		}
		return port > 0 && port <= 65535
	})

	validate.RegisterTranslation("port", enTrans, func(ut ut.Translator) error {
		return ut.Add("port", "{0} must be a valid port number", true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T("port", fe.Field())
		return t
	})
}
