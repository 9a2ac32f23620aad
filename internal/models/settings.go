package models

type SettingType string

const (
	SettingTypeString SettingType = "string"
	SettingTypeInt    SettingType = "int"
	SettingTypeBool   SettingType = "bool"
	SettingTypeJSON   SettingType = "json"
)

// Setting is one typed key/value row. The core stores these opaquely for
// surrounding features.
type Setting struct {
	Key   string      `json:"key"`
	Value string      `json:"value"`
	Type  SettingType `json:"type"`
}
