package wire

import (
	"reflect"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(f reflect.Value) interface{} {
		if id, ok := f.Interface().(RoomID); ok {
			return id.String()
		}
		return nil
	}, RoomID{})
	return v
}
