package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type scenePrompt struct {
	Instruction string     `json:"instruction"`
	Style       sceneStyle `json:"style"`
}

type sceneStyle struct {
	Scene    string   `json:"scene"`
	Preserve []string `json:"preserve"`
	Modify   []string `json:"modify"`
}

// BuildScenePrompt renders the JSON prompt that asks the scene model to move
// the person into the described scene while keeping them unchanged.
func BuildScenePrompt(scene string) (string, error) {
	scene = strings.TrimSpace(scene)
	if scene == "" {
		return "", fmt.Errorf("scene prompt is empty")
	}

	p := scenePrompt{
		Instruction: fmt.Sprintf("Transform this image to match the following scene: %s. "+
			"Preserve the person's appearance, clothing, and body proportions exactly. "+
			"Only change the background, lighting, and scene context to match the description. "+
			"Keep the person in the same pose and position.", scene),
		Style: sceneStyle{
			Scene: scene,
			Preserve: []string{
				"person's face and features",
				"clothing details and fit",
				"body proportions",
				"pose and position",
			},
			Modify: []string{
				"background",
				"lighting",
				"scene context",
				"environmental elements",
			},
		},
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return "", fmt.Errorf("encode scene prompt: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
