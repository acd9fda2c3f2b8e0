package order

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	validator "github.com/go-playground/validator/v10"
)

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// FieldErrors maps a JSON field path such as "customerInfo.email" to a
// user-facing message.
type FieldErrors map[string]string

// ValidateContact checks the customer details and, for delivery orders, the
// delivery address. It never touches the network.
func ValidateContact(v *validator.Validate, orderType OrderType, customer CustomerInfo, delivery *DeliveryInfo) FieldErrors {
	if v == nil {
		v = NewValidator()
	}
	fields := FieldErrors{}
	switch orderType {
	case Pickup, Delivery:
	case "":
		fields["orderType"] = "is required"
	default:
		fields["orderType"] = "must be pickup or delivery"
	}
	collect(fields, "customerInfo", v.Struct(customer.normalized()))
	if orderType == Delivery {
		if delivery == nil {
			fields["deliveryInfo"] = "is required for delivery orders"
		} else {
			collect(fields, "deliveryInfo", v.Struct(delivery.normalized()))
		}
	}
	return fields
}

// ValidateRequest checks a normalized order request.
func ValidateRequest(v *validator.Validate, req Request) FieldErrors {
	if v == nil {
		v = NewValidator()
	}
	fields := ValidateContact(v, req.OrderType, req.CustomerInfo, req.DeliveryInfo)
	collect(fields, "", v.Struct(req))
	return fields
}

func collect(fields FieldErrors, prefix string, err error) {
	if err == nil {
		return
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		key := prefix
		if key == "" {
			key = "request"
		}
		fields[key] = err.Error()
		return
	}
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = path[i+1:]
		}
		if prefix != "" {
			path = prefix + "." + path
		}
		if _, exists := fields[path]; !exists {
			fields[path] = message(fe)
		}
	}
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
