package config

import (
	"reflect"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const appKeyLength = 32

// ValidateServerConfig validate the config as an input. If not valid, it returns error
func ValidateServerConfig(conf *ServerConfig) error {
	return validation.ValidateStruct(conf,
		nestedFields(&conf.Log,
			validation.Field(&conf.Log.Level, validation.In(
				LogLevelDebug,
				LogLevelInfo,
				LogLevelWarning,
				LogLevelError,
				LogLevelFatal,
			)),
		),
		nestedFields(&conf.Serve,
			validation.Field(&conf.Serve.Port, validation.Required, validation.Min(1), validation.Max(65535)),
			validation.Field(&conf.Serve.AppKey, validation.Required, validation.Length(appKeyLength, 0)),
			nestedFields(&conf.Serve.DB,
				validation.Field(&conf.Serve.DB.DSN, validation.Required),
			),
			nestedFields(&conf.Serve.Dispatcher,
				validation.Field(&conf.Serve.Dispatcher.NumWorkers, validation.Required, validation.Min(1)),
				validation.Field(&conf.Serve.Dispatcher.QueueCapacity, validation.Min(0)),
			),
		),
		nestedFields(&conf.Cloud,
			nestedFields(&conf.Cloud.AWS,
				validation.Field(&conf.Cloud.AWS.Region, validation.Required),
				validation.Field(&conf.Cloud.AWS.Image, validation.Required),
				validation.Field(&conf.Cloud.AWS.Subnets, validation.Required),
			),
		),
		nestedFields(&conf.Storage,
			validation.Field(&conf.Storage.ResourcesURL, validation.Required),
		),
	)
}

// ozzo-validation helper for nested validation struct
// https://github.com/go-ozzo/ozzo-validation/issues/136
func nestedFields(target interface{}, fieldRules ...*validation.FieldRules) *validation.FieldRules {
	return validation.Field(target, validation.By(func(value interface{}) error {
		valueV := reflect.Indirect(reflect.ValueOf(value))
		if valueV.CanAddr() {
			addr := valueV.Addr().Interface()
			return validation.ValidateStruct(addr, fieldRules...)
		}
		return validation.ValidateStruct(target, fieldRules...)
	}))
}
