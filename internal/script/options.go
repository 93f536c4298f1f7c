package script

import (
	"fmt"
	"strings"

	"github.com/vantiq-ext/execsource/internal/config"
	"github.com/vantiq-ext/execsource/internal/connector"
)

// Request body fields. Naming follows the server-side contract.
const (
	fieldCode          = "code"
	fieldScript        = "script"
	fieldName          = "name"
	fieldCacheCode     = "cache_code"
	fieldReplace       = "replace"
	fieldHandlesReturn = "codeHandlesReturn"
	fieldLimitReturnTo = "limitReturnTo"
	fieldPresetValues  = "presetValues"
)

// options is a validated execution request.
type options struct {
	code    string
	hasCode bool
	script  string // document name to fetch the code from
	name    string // effective cache key: script when set, else the name field
	rawName string // the name field as sent

	cacheCode     bool
	replace       bool
	handlesReturn bool
	limit         []string // nil means no restriction
	presets       map[string]any
}

// parseOptions validates a query body into execution options. The returned
// error, if any, is ready to send back as a query-error frame.
func parseOptions(msg map[string]any) (*options, *connector.Error) {
	o := &options{presets: map[string]any{}}

	if v, ok := msg[fieldCode]; ok {
		o.code = fmt.Sprint(v)
		o.hasCode = true
	}
	if v, ok := msg[fieldScript]; ok {
		o.script, _ = v.(string)
	}
	if v, ok := msg[fieldName]; ok {
		o.rawName, _ = v.(string)
	}

	o.name = o.rawName
	if o.script != "" {
		o.name = o.script
	}

	// By default a named request caches its compile output.
	o.cacheCode = o.name != ""
	if v, ok := msg[fieldCacheCode]; ok {
		o.cacheCode = config.BoolValue(v)
	}

	o.handlesReturn = config.BoolValue(msg[fieldHandlesReturn])
	o.replace = config.BoolValue(msg[fieldReplace])

	if v, ok := msg[fieldLimitReturnTo]; ok {
		switch vals := v.(type) {
		case string:
			o.limit = strings.Split(strings.ReplaceAll(vals, " ", ""), ",")
		case []any:
			o.limit = []string{}
			for _, entry := range vals {
				s, ok := entry.(string)
				if !ok {
					return nil, connector.NewError(codeBadReturnValues,
						"The returnValuesFor parameter must be a string or a list, found: {0}",
						fmt.Sprintf("%T", entry))
				}
				o.limit = append(o.limit, strings.TrimSpace(s))
			}
		default:
			return nil, connector.NewError(codeBadReturnValues,
				"The returnValuesFor parameter must be a string or a list, found: {0}",
				fmt.Sprintf("%T", v))
		}
		if o.handlesReturn {
			return nil, connector.NewError(codeConflictingReturn,
				"This query stated that the code will generate the return value and specified "+
					"the returnValuesFor list. These items are in conflict.")
		}
	}

	if v, ok := msg[fieldPresetValues]; ok {
		presets, ok := v.(map[string]any)
		if !ok {
			return nil, connector.NewError(codeBadGlobalPreset,
				"The {0} entry must be a VAIL object (a map at the connector).", fieldPresetValues)
		}
		o.presets = presets
	}

	switch {
	case o.cacheCode && o.name == "":
		return nil, connector.NewError(codeNoCacheName,
			"A request was made to cache the code but no name was provided.")
	case !o.hasCode && o.script == "" && o.name == "":
		return nil, connector.NewError(codeNoCode,
			"No code was provided to execute. Message was {0}, but no {1} value was present.",
			fmt.Sprint(msg), fieldCode)
	case o.hasCode && o.script != "":
		return nil, connector.NewError(codeAmbiguousCode,
			"Both the code and script parameters were specified. Specify either one or the other. "+
				"Message was {0}.", fmt.Sprint(msg))
	case o.script != "" && o.rawName != "" && o.rawName != o.script:
		return nil, connector.NewError(codeAmbiguousName,
			"A query included both the script and name parameters. "+
				"When script is provided, the name must match it. Message was {0}.", fmt.Sprint(msg))
	}

	return o, nil
}
