package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/harunnryd/callcore/pkg/agent"
	"github.com/harunnryd/callcore/pkg/llm"
)

// bookingTools is the demo receptionist toolset: look up open slots and
// book one. Slots are derived from a hash so replies are stable per day.
func bookingTools() *agent.FuncRegistry {
	reg := agent.NewFuncRegistry()
	reg.Register(llm.Tool{
		Name:        "check_availability",
		Description: "List open appointment slots for a day.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"day":     map[string]any{"type": "string", "description": "Day the caller asked about, e.g. tomorrow or Friday."},
				"service": map[string]any{"type": "string"},
			},
			"required": []string{"day"},
		},
	}, checkAvailabilityTool)
	reg.Register(llm.Tool{
		Name:        "create_booking",
		Description: "Book an appointment once the caller has confirmed the day, time and their name.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"day":           map[string]any{"type": "string"},
				"time":          map[string]any{"type": "string"},
				"customer_name": map[string]any{"type": "string"},
				"service":       map[string]any{"type": "string"},
			},
			"required": []string{"day", "time", "customer_name"},
		},
	}, createBookingTool)
	return reg
}

var daySlots = []string{"9:00 AM", "10:30 AM", "1:00 PM", "2:30 PM", "4:00 PM"}

func checkAvailabilityTool(_ context.Context, tc llm.ToolContext, args map[string]any) (llm.ToolResult, error) {
	day, err := agent.RequiredString(args, "day")
	if err != nil {
		return llm.ToolResult{}, err
	}
	start := stableInt(tc.TenantID+"|"+strings.ToLower(day), len(daySlots))
	open := []string{daySlots[start], daySlots[(start+2)%len(daySlots)]}
	return llm.ToolResult{
		Success: true,
		Output:  fmt.Sprintf("Open slots %s: %s.", day, strings.Join(open, " and ")),
		Data:    map[string]any{"day": day, "slots": open},
	}, nil
}

func createBookingTool(_ context.Context, tc llm.ToolContext, args map[string]any) (llm.ToolResult, error) {
	day, err := agent.RequiredString(args, "day")
	if err != nil {
		return llm.ToolResult{}, err
	}
	at, err := agent.RequiredString(args, "time")
	if err != nil {
		return llm.ToolResult{}, err
	}
	name, err := agent.RequiredString(args, "customer_name")
	if err != nil {
		return llm.ToolResult{}, err
	}
	ref := fmt.Sprintf("BK-%04d", stableInt(tc.CallID+"|"+day+"|"+at, 10000))
	return llm.ToolResult{
		Success: true,
		Output:  fmt.Sprintf("Booked %s for %s at %s. Confirmation %s.", name, day, at, ref),
		Data:    map[string]any{"reference": ref},
	}, nil
}

func stableInt(seed string, mod int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	return int(h.Sum32() % uint32(mod))
}
