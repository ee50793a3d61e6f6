package models

import "github.com/go-playground/validator/v10"

// Shared validator for input structs. Reuses the gin binding tags so HTTP
// binding and direct store calls enforce the same rules.
var validate = validator.New()

func init() {
	validate.SetTagName("binding")
}

// ValidateInput checks an input struct against its binding tags.
func ValidateInput(input interface{}) error {
	return validate.Struct(input)
}
