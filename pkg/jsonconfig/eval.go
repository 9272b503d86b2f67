/*
Copyright 2011 Google Inc.
Copyright 2024 The evr-attr-index Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package jsonconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// State for config parsing and expression evaluation.
type configParser struct {
	RootJson Obj
}

// Validates variable names for config _env expressions.
var envPattern = regexp.MustCompile(`\$\{[A-Za-z0-9_]+\}`)

// recursiveReadJSON decodes and evaluates a JSON config file, expanding
// any "_env" expressions it contains.
func (c *configParser) recursiveReadJSON(configPath string) (decodedObject map[string]interface{}, err error) {
	configPath, err = filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand absolute path for %s", configPath)
	}

	f, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %s, %v", configPath, err)
	}
	defer f.Close()

	decodedObject = make(map[string]interface{})
	dj := json.NewDecoder(f)
	if err := dj.Decode(&decodedObject); err != nil {
		return nil, fmt.Errorf("error parsing JSON object in config file %s: %v", f.Name(), err)
	}

	if err := c.evaluateExpressions(decodedObject); err != nil {
		return nil, fmt.Errorf("error expanding JSON config expressions in %s: %v", f.Name(), err)
	}

	return decodedObject, nil
}

func (c *configParser) evalValue(v interface{}) (interface{}, error) {
	sl, ok := v.([]interface{})
	if !ok {
		return v, nil
	}
	if name, ok := sl[0].(string); ok && name == "_env" {
		return c.expandEnv(sl[1:])
	}
	for i, oldval := range sl {
		newval, err := c.evalValue(oldval)
		if err != nil {
			return nil, err
		}
		sl[i] = newval
	}
	return v, nil
}

func (c *configParser) evaluateExpressions(m map[string]interface{}) error {
	for k, ei := range m {
		switch subval := ei.(type) {
		case string, bool, float64, nil:
			continue
		case []interface{}:
			if len(subval) == 0 {
				continue
			}
			var err error
			m[k], err = c.evalValue(subval)
			if err != nil {
				return err
			}
		case map[string]interface{}:
			if err := c.evaluateExpressions(subval); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unhandled config value type %T for key %q", ei, k)
		}
	}
	return nil
}

// expandEnv permits either:
//
//	["_env", "VARIABLE"]              (required to be set)
//	["_env", "VARIABLE", "default"]   (falls back to default when unset)
func (c *configParser) expandEnv(v []interface{}) (interface{}, error) {
	if len(v) < 1 || len(v) > 2 {
		return "", fmt.Errorf("_env expansion expected 1 or 2 args, got %d", len(v))
	}
	s, ok := v[0].(string)
	if !ok {
		return "", fmt.Errorf("expected a string after _env; got %#v", v[0])
	}
	hasDefault := len(v) == 2
	var def string
	var wantsBool, boolDefault bool
	if hasDefault {
		switch vdef := v[1].(type) {
		case string:
			def = vdef
		case bool:
			wantsBool = true
			boolDefault = vdef
		default:
			return "", fmt.Errorf("expected default value in %q _env expansion; got %#v", s, v[1])
		}
	}
	var expandErr error
	expanded := envPattern.ReplaceAllStringFunc(s, func(match string) string {
		envVar := match[2 : len(match)-1]
		val := os.Getenv(envVar)
		if val == "" {
			if hasDefault {
				return def
			}
			expandErr = fmt.Errorf("couldn't expand environment variable %q", envVar)
		}
		return val
	})
	if wantsBool {
		if expanded == "" {
			return boolDefault, nil
		}
		return strconv.ParseBool(expanded)
	}
	return expanded, expandErr
}
