package domain

// Распознаваемые ключи метаданных. Все остальное источники обязаны отбрасывать.
const (
	MetaPermissionChange = "permission_change" // granted | revoked
	MetaPermissionName   = "permission_name"
	MetaSensorState      = "sensor_state" // blocked | unblocked
	MetaSensorName       = "sensor_name"
	MetaOverrideConflict = "override_conflict" // "true"
	MetaURL              = "url"
	MetaWifiSSID         = "wifi_ssid"
	MetaWifiSecurity     = "wifi_security"
	MetaRiskScore        = "risk_score"
	MetaRiskStatus       = "risk_status"
	MetaClipboardOrigin  = "clipboard_origin"
)

const (
	PermissionGranted = "granted"
	PermissionRevoked = "revoked"
	SensorBlocked     = "blocked"
	SensorUnblocked   = "unblocked"
)

var recognizedMeta = map[string]struct{}{
	MetaPermissionChange: {},
	MetaPermissionName:   {},
	MetaSensorState:      {},
	MetaSensorName:       {},
	MetaOverrideConflict: {},
	MetaURL:              {},
	MetaWifiSSID:         {},
	MetaWifiSecurity:     {},
	MetaRiskScore:        {},
	MetaRiskStatus:       {},
	MetaClipboardOrigin:  {},
}

// SanitizeMetadata возвращает копию карты только с распознаваемыми ключами.
// nil на входе - nil на выходе.
func SanitizeMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if _, ok := recognizedMeta[k]; ok {
			out[k] = v
		}
	}
	return out
}
