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

package contextbuilder

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillFilename is the expected filename of a skill definition within its
// own directory: <skills-dir>/<name>/SKILL.md.
const SkillFilename = "SKILL.md"

// frontmatterDelimiter marks the beginning and end of a skill file's YAML
// frontmatter block.
const frontmatterDelimiter = "---"

// skillFrontmatter is the YAML header of a SKILL.md file.
type skillFrontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Triggers    []string `yaml:"triggers"`
	Always      bool     `yaml:"always"`
	Priority    int      `yaml:"priority"`
}

// UserSkillsDir returns the user-level standard skills directory,
// ~/.sage/skills, or "" if the home directory cannot be resolved.
func UserSkillsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".sage", "skills")
}

// ProjectSkillsDir returns the project-level standard skills directory,
// <workdir>/.sage/skills.
func ProjectSkillsDir(workdir string) string {
	return filepath.Join(workdir, ".sage", "skills")
}

// DiscoverSkills loads every SKILL.md found one directory level under
// each of dirs, in the order given — a workdir-local skill of the same
// Name as a user-level one overrides it, since later directories win on
// collision. A missing directory is skipped, not an error; a SKILL.md
// that fails to parse makes DiscoverSkills stop and return an error
// naming that file, since a malformed skill is a configuration mistake
// worth surfacing rather than silently dropping.
func DiscoverSkills(dirs ...string) ([]Skill, error) {
	byName := make(map[string]Skill)
	var order []string

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("contextbuilder: reading skills dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			skillFile := filepath.Join(dir, e.Name(), SkillFilename)
			data, err := os.ReadFile(skillFile)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("contextbuilder: reading %s: %w", skillFile, err)
			}
			skill, err := parseSkill(data)
			if err != nil {
				return nil, fmt.Errorf("contextbuilder: parsing %s: %w", skillFile, err)
			}
			if _, seen := byName[skill.Name]; !seen {
				order = append(order, skill.Name)
			}
			byName[skill.Name] = skill
		}
	}

	out := make([]Skill, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out, nil
}

// parseSkill splits a SKILL.md file's YAML frontmatter from its markdown
// body and builds the Skill the Builder's skillBlock consumes: Always
// matches unconditionally, otherwise Trigger matches when taskText
// contains any Triggers keyword case-insensitively.
func parseSkill(data []byte) (Skill, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return Skill{}, err
	}

	var fm skillFrontmatter
	if err := yaml.Unmarshal(front, &fm); err != nil {
		return Skill{}, fmt.Errorf("parsing frontmatter: %w", err)
	}
	if fm.Name == "" {
		return Skill{}, fmt.Errorf("skill name is required")
	}

	triggers := make([]string, len(fm.Triggers))
	for i, t := range fm.Triggers {
		triggers[i] = strings.ToLower(t)
	}

	return Skill{
		Name:     fm.Name,
		Priority: fm.Priority,
		Content:  strings.TrimSpace(string(body)),
		Trigger: func(taskText string) bool {
			if fm.Always {
				return true
			}
			lower := strings.ToLower(taskText)
			for _, t := range triggers {
				if t != "" && strings.Contains(lower, t) {
					return true
				}
			}
			return false
		},
	}, nil
}

// splitFrontmatter separates a leading "---"-delimited YAML block from
// the rest of the file.
func splitFrontmatter(data []byte) (frontmatter, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}

	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}
