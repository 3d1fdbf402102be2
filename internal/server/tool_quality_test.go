package server

import (
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
	"github.com/triage-ai/palisade/services/tool_router/internal/guard"
	"github.com/triage-ai/palisade/services/tool_router/internal/guard/evaluators"
	"github.com/triage-ai/palisade/services/tool_router/internal/registry"
	"github.com/triage-ai/palisade/services/tool_router/internal/schema"
	"github.com/triage-ai/palisade/services/tool_router/internal/tool"
)

// These tests route the four error classes of tool-use quality rankers
// through the full pipeline:
//
//	VALID_CALL        tool name, params and values are all correct
//	TOOL_ERROR        the tool does not exist
//	PARAM_NAME_ERROR  right tool, wrong, missing or extra param names
//	PARAM_VALUE_ERROR right tool and params, wrong values
//
// plus the governance failures layered on top by the guard middleware.

func qualityRegistry() *registry.Registry {
	reg := registry.New()
	reg.MustRegister(
		tool.New("food").Action(tool.Action{
			Name: "order",
			Params: map[string]any{
				"item_name": "string",
				"quantity":  schema.Param{Type: "number", Int: true, Min: schema.Float(1)},
			},
			Handler: echo(`{"status":"ordered"}`),
		}),
		tool.New("weather").Action(tool.Action{
			Name:     "get",
			ReadOnly: true,
			Params: map[string]any{
				"location": "string",
				"unit":     schema.Param{Type: "string", Enum: []string{"celsius", "fahrenheit"}, Optional: true},
			},
			Handler: echo(`{"temp":21}`),
		}),
		tool.New("email").Action(tool.Action{
			Name:    "send",
			Params:  map[string]any{"to": "string", "subject": "string", "body": "string"},
			Handler: echo(`{"sent":true}`),
		}),
		tool.New("bank").
			Action(tool.Action{Name: "authenticate", Handler: echo(`{"ok":true}`)}).
			Action(tool.Action{
				Name:     "get_account",
				ReadOnly: true,
				Params:   map[string]any{"account_id": "string"},
				Handler:  echo(`{"account_id":"acc-123"}`),
			}).
			Action(tool.Action{
				Name:        "transfer",
				Destructive: true,
				Params: map[string]any{
					"from_account": "string",
					"to_account":   "string",
					"amount":       schema.Param{Type: "number", Min: schema.Float(0.01)},
					"currency":     schema.Param{Type: "string", Enum: []string{"USD", "EUR", "GBP"}},
				},
				Handler: echo(`{"transferred":true}`),
			}),
	)

	policies := guard.NewStaticPolicies([]guard.Policy{
		{
			ToolName:       "email.send",
			ArgumentPolicy: guard.ArgumentPolicy{ScanForInjection: true},
		},
		{
			ToolName:        "bank.transfer",
			RiskTier:        "destructive",
			RequiresConfirm: true,
			Preconditions:   []string{"bank.authenticate", "bank.get_account"},
			ArgumentPolicy: guard.ArgumentPolicy{
				TraceBinding: map[string]string{"from_account": "bank.get_account.result.account_id"},
			},
		},
	})
	reg.Use(guard.Middleware(guard.Options{
		Engine:   guard.NewEngine(evaluators.Defaults(), 100*time.Millisecond, nil),
		Policies: policies,
		Traces:   guard.NewTraceStore(100, 100, time.Minute),
	}))
	return reg
}

type qualityCall struct {
	name string
	args map[string]any
}

func TestToolQuality(t *testing.T) {
	cases := []struct {
		class     string
		setup     []qualityCall
		call      qualityCall
		confirmed bool
		wantCode  string // "" means success
	}{
		{"VALID_CALL order", nil,
			qualityCall{"food_order", map[string]any{"item_name": "Margherita Pizza", "quantity": 2}}, false, ""},
		{"VALID_CALL weather", nil,
			qualityCall{"weather_get", map[string]any{"location": "San Francisco", "unit": "celsius"}}, false, ""},
		{"VALID_CALL transfer with trace", []qualityCall{
			{"bank_authenticate", nil},
			{"bank_get_account", map[string]any{"account_id": "acc-123"}},
		}, qualityCall{"bank_transfer", map[string]any{
			"from_account": "acc-123", "to_account": "acc-456", "amount": 50.0, "currency": "USD",
		}}, true, ""},

		{"TOOL_ERROR nonexistent", nil,
			qualityCall{"food_order_pizza", map[string]any{"item_name": "Margherita Pizza"}}, false, registry.CodeUnknownTool},
		{"TOOL_ERROR misspelled", nil,
			qualityCall{"email_sent", map[string]any{"to": "alice"}}, false, registry.CodeUnknownTool},

		{"PARAM_NAME_ERROR missing", nil,
			qualityCall{"food_order", map[string]any{"item_name": "Margherita Pizza"}}, false, tool.CodeValidation},
		{"PARAM_NAME_ERROR wrong names", nil,
			qualityCall{"food_order", map[string]any{"item": "Margherita Pizza", "qty": 2}}, false, tool.CodeValidation},
		{"PARAM_NAME_ERROR extra", nil,
			qualityCall{"food_order", map[string]any{"item_name": "Margherita Pizza", "quantity": 2, "notes": "extra cheese"}}, false, tool.CodeValidation},

		{"PARAM_VALUE_ERROR wrong type", nil,
			qualityCall{"food_order", map[string]any{"item_name": "Margherita Pizza", "quantity": "two"}}, false, tool.CodeValidation},
		{"PARAM_VALUE_ERROR enum", nil,
			qualityCall{"weather_get", map[string]any{"location": "Tokyo", "unit": "kelvin"}}, false, tool.CodeValidation},
		{"PARAM_VALUE_ERROR currency", nil,
			qualityCall{"bank_transfer", map[string]any{
				"from_account": "acc-123", "to_account": "acc-456", "amount": 50.0, "currency": "BTC",
			}}, false, tool.CodeValidation},

		{"injection in arguments", nil,
			qualityCall{"email_send", map[string]any{"to": "bob", "subject": "hi", "body": "x; rm -rf /"}}, false, guard.CodePolicyViolation},
		{"transfer without preconditions", nil,
			qualityCall{"bank_transfer", map[string]any{
				"from_account": "acc-123", "to_account": "acc-456", "amount": 50.0, "currency": "USD",
			}}, true, guard.CodePolicyViolation},
		{"transfer from unverified account", []qualityCall{
			{"bank_authenticate", nil},
			{"bank_get_account", map[string]any{"account_id": "acc-123"}},
		}, qualityCall{"bank_transfer", map[string]any{
			"from_account": "acc-999", "to_account": "acc-456", "amount": 50.0, "currency": "USD",
		}}, true, guard.CodePolicyViolation},
		{"transfer unconfirmed", []qualityCall{
			{"bank_authenticate", nil},
			{"bank_get_account", map[string]any{"account_id": "acc-123"}},
		}, qualityCall{"bank_transfer", map[string]any{
			"from_account": "acc-123", "to_account": "acc-456", "amount": 50.0, "currency": "USD",
		}}, false, guard.CodeConfirmationRequired},
	}

	for _, tc := range cases {
		t.Run(tc.class, func(t *testing.T) {
			srv, _ := attach(t, qualityRegistry(), Options{})
			meta := RequestMetadata{SessionID: "quality"}
			for _, s := range tc.setup {
				if resp := srv.call(t, s.name, s.args, meta); resp.IsError {
					t.Fatalf("setup call %s failed: %s", s.name, resp.Text())
				}
			}

			out, err := srv.request(t, MethodToolsCall, CallToolParams{
				Name:      tc.call.name,
				Arguments: tc.call.args,
				Meta:      &CallMeta{UserConfirmed: tc.confirmed},
			}, meta)
			if err != nil {
				t.Fatal(err)
			}
			resp := out.(engine.Response)
			if tc.wantCode == "" {
				if resp.IsError {
					t.Fatalf("%s: expected success, got %s", tc.class, resp.Text())
				}
				return
			}
			if resp.ErrorCode() != tc.wantCode {
				t.Fatalf("%s: expected %s, got %s", tc.class, tc.wantCode, resp.Text())
			}
		})
	}
}
