// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatcher

import (
	"encoding/json"
	"path"

	"github.com/sagehq/sage/pkg/config"
	"github.com/sagehq/sage/pkg/tool"
)

// PermissionChecker is implemented by tools that want to veto or force a
// decision themselves, ahead of the requires-approval flag and bypass
// mode (precedence step 3). Returning "" defers to the rest of the
// chain.
type PermissionChecker interface {
	CheckPermissions(args map[string]any) config.PermissionAction
}

// matchRule reports whether rule matches toolName/args under the given
// action.
func matchRule(rule config.PermissionRule, toolName, argPattern string, action config.PermissionAction) bool {
	if rule.Action != action {
		return false
	}
	if ok, _ := path.Match(rule.Tool, toolName); !ok {
		return false
	}
	if rule.Pattern == "" {
		return true
	}
	ok, _ := path.Match(rule.Pattern, argPattern)
	return ok
}

// firstMatch scans rules in order for the first one matching toolName
// under action.
func firstMatch(rules []config.PermissionRule, toolName, argPattern string, action config.PermissionAction) (config.PermissionRule, bool) {
	for _, r := range rules {
		if matchRule(r, toolName, argPattern, action) {
			return r, true
		}
	}
	return config.PermissionRule{}, false
}

// serializeArgs renders args as a stable-ish string for glob matching
// against a rule's Pattern. Exact key order does not matter for the
// common case (matching a single "path"-shaped argument), since the
// glob typically targets a substring.
func serializeArgs(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}

// resolve runs the exact seven-step precedence chain: Deny rules, Ask
// rules, the tool's own self-check, its RequiresApproval flag, bypass
// mode, Allow rules, and finally the configured default.
func resolve(rules []config.PermissionRule, bypass bool, defaultAction config.PermissionAction, t tool.Tool, call tool.Call) config.PermissionAction {
	argPattern := serializeArgs(call.Args)

	if _, ok := firstMatch(rules, call.Name, argPattern, config.PermissionDeny); ok {
		return config.PermissionDeny
	}
	if _, ok := firstMatch(rules, call.Name, argPattern, config.PermissionAsk); ok {
		return config.PermissionAsk
	}
	if pc, ok := t.(PermissionChecker); ok {
		if action := pc.CheckPermissions(call.Args); action != "" {
			return action
		}
	}
	if t.RequiresApproval() {
		return config.PermissionAsk
	}
	if bypass {
		return config.PermissionAllow
	}
	if _, ok := firstMatch(rules, call.Name, argPattern, config.PermissionAllow); ok {
		return config.PermissionAllow
	}
	return defaultAction
}
