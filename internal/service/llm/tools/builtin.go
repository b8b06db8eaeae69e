package tools

import (
	"context"
	"fmt"
	"time"
)

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema_description:"IANA timezone name such as Europe/Berlin. Defaults to the server timezone setting."`
}

// NewCurrentTimeTool reports the current date and time.
func NewCurrentTimeTool(config *ToolConfig, now func() time.Time) *FuncTool {
	if config == nil {
		config = DefaultToolConfig()
	}
	if now == nil {
		now = time.Now
	}
	return NewTypedTool("current_time",
		"Get the current date, time and weekday in a timezone.",
		func(ctx context.Context, args currentTimeArgs) (interface{}, error) {
			name := args.Timezone
			if name == "" {
				name = config.DefaultTimezone
			}
			loc, err := time.LoadLocation(name)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", name)
			}
			t := now().In(loc)
			return map[string]interface{}{
				"timezone": loc.String(),
				"time":     t.Format(time.RFC3339),
				"weekday":  t.Weekday().String(),
			}, nil
		})
}
