// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/seqgen/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values in params.
// The default values are also used to set the type to which the string values will be parsed to.
//
// It updates params accordingly and returns the names of the parameters set, or an error in case a
// parameter is unknown or the parsing failed.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// Example usage:
//
//	func main() {
//		decoder := decode.New(models...)
//		params := decoder.Params()
//		settings := commandline.CreateSettingsFlag(params, "")
//		flag.Parse()
//		_, err := commandline.ParseSettings(params, *settings)
//		if err != nil { panic(err) }
//		decoder.FromParams(params)
//		...
//	}
func ParseSettings(params map[string]any, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(params, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(params map[string]any, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
		return parseSettingsFile(params, filePath, newParamsSet)
	}

	name, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	name = strings.TrimSpace(name)
	value, found := params[name]
	if !found {
		err = errors.Errorf("can't set parameter %q: unknown parameter, see -help for the list of parameters", name)
		return
	}

	// Parse value accordingly.
	switch v := value.(type) {
	case int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case int64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []string:
		value = strings.Split(valueStr, ",")
	default:
		err = errors.Errorf("don't know how to parse type %T for setting parameter %q", value, setting)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)", valueStr, name, params[name])
		return
	}
	params[name] = value
	newParamsSet = append(newParamsSet, name)
	return
}

// parseSettingsFile reads settings from a file: new lines work as ";", and lines starting with "#" are comments.
func parseSettingsFile(params map[string]any, filePath string, paramsSet []string) ([]string, error) {
	f, err := fsutil.Open(filePath)
	if err != nil {
		return paramsSet, errors.WithMessage(err, "failed to read settings file")
	}
	defer func() { _ = f.Close() }()
	contents, err := io.ReadAll(f)
	if err != nil {
		return paramsSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, setting := range strings.Split(line, ";") {
			paramsSet, err = parseSetting(params, setting, paramsSet)
			if err != nil {
				return paramsSet, err
			}
		}
	}
	return paramsSet, nil
}

// CreateSettingsFlag creates a string flag with the given flagName (if empty it will be named
// "set") and with a description of the parameters in params and their default values.
//
// The flag should be created before the call to `flag.Parse()`.
func CreateSettingsFlag(params map[string]any, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set decoding parameters. ` +
			`It should be a list of elements "param=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Current available parameters that can be set:`,
	}
	for _, key := range slices.Sorted(maps.Keys(params)) {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, params[key]))
	}
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintSettings pretty-prints the parameters, sorted by name, into a string.
// If paramsSet is not nil, only those parameters are printed.
func SprintSettings(params map[string]any, paramsSet []string) string {
	keys := slices.Sorted(maps.Keys(params))
	if paramsSet != nil {
		keys = slices.Compact(slices.Sorted(slices.Values(paramsSet)))
	}
	var parts []string
	for _, key := range keys {
		value, found := params[key]
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	}
	return strings.Join(parts, "\n")
}
