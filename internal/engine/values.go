package engine

// Values is the per-call request context. Each call owns its Values; derived
// fields are merged onto copies, never onto the caller's map.
type Values map[string]any

// With returns a copy of v with partial shallow-merged on top.
func (v Values) With(partial map[string]any) Values {
	out := make(Values, len(v)+len(partial))
	for k, val := range v {
		out[k] = val
	}
	for k, val := range partial {
		out[k] = val
	}
	return out
}

// Clone returns a shallow copy of v. A nil receiver yields an empty map.
func (v Values) Clone() Values {
	return v.With(nil)
}

// String returns the value at key if it is a string.
func (v Values) String(key string) string {
	s, _ := v[key].(string)
	return s
}

// Bool returns the value at key if it is a bool.
func (v Values) Bool(key string) bool {
	b, _ := v[key].(bool)
	return b
}

// Headers returns the transport headers stored under HeadersKey, with
// lower-cased names.
func (v Values) Headers() map[string]string {
	h, _ := v[HeadersKey].(map[string]string)
	return h
}

// Well-known keys populated by the server layer and the auth middleware.
const (
	SessionIDKey     = "session_id"
	HeadersKey       = "headers"
	InvokerKey       = "invoke_tool"
	WorkflowStateKey = "workflow_state"
	UserConfirmedKey = "user_confirmed"
	ProjectIDKey     = "project_id"
	AuthModeKey      = "auth_mode"
)
