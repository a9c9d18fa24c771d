package engine

import (
	"github.com/osteele/liquid"

	"github.com/fireflow/fireflow/internal/domain"
)

var scriptEngine = liquid.NewEngine()

// RenderScript renders the code's batch-script template with the bindings
// {{ calc }}, {{ code }} and {{ client }} bound to the entity snapshots.
func RenderScript(calc *domain.CalcJob, code *domain.Code, client *domain.Client) (string, error) {
	bindings := map[string]any{
		"calc": map[string]any{
			"pk":         calc.Pk,
			"label":      calc.Label,
			"uuid":       calc.UUID,
			"parameters": calc.Parameters,
		},
		"code": map[string]any{
			"pk":    code.Pk,
			"label": code.Label,
		},
		"client": map[string]any{
			"pk":           client.Pk,
			"label":        client.Label,
			"machine_name": client.MachineName,
			"work_dir":     client.WorkDir,
			"fsystem":      client.FSystem,
		},
	}
	out, err := scriptEngine.ParseAndRenderString(code.Script, bindings)
	if err != nil {
		return "", domain.Errorf(domain.KindValidation, "rendering job script: %v", err)
	}
	return out, nil
}
