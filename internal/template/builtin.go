// ABOUTME: Builtin template catalog registered at startup.
// ABOUTME: Ships a calculator arithmetic template and a notepad text template.

package template

import (
	"fmt"
	"strconv"

	"github.com/martingrgv/Strategic-RPA/internal/job"
)

// RegisterBuiltins installs the builtin templates into the engine.
func RegisterBuiltins(e *Engine) {
	e.Register(calculatorTemplate(), deriveCalculatorResult)
	e.Register(notepadTemplate(), nil)
}

// calculatorTemplate drives the host calculator through one binary
// operation and validates the displayed result against the derived
// {result} parameter.
func calculatorTemplate() *Template {
	return &Template{
		ID:              "calculator-basic",
		Name:            "Calculator arithmetic",
		Description:     "Performs a binary arithmetic operation and validates the result",
		ApplicationPath: "calc.exe",
		Parameters: []Parameter{
			{Name: "num1", Type: TypeNumber, Required: true, Description: "Left operand"},
			{Name: "num2", Type: TypeNumber, Required: true, Description: "Right operand"},
			{Name: "operation", Type: TypeString, Required: true, ValidationPattern: `^[-+*/]$`, Description: "Operator"},
		},
		Steps: []StepTemplate{
			{Order: 1, Type: job.StepClick, Target: "{num1}", Description: "Enter {num1}"},
			{Order: 2, Type: job.StepClick, Target: "{operation}", Description: "Press {operation}"},
			{Order: 3, Type: job.StepClick, Target: "{num2}", Description: "Enter {num2}"},
			{Order: 4, Type: job.StepClick, Target: "="},
			{Order: 5, Type: job.StepValidate, Target: "display", Value: "{result}", Description: "Expect {result}"},
		},
	}
}

// deriveCalculatorResult computes the {result} parameter for the
// calculator template. The result is formatted without trailing zeros, so
// whole-number results read as integers ("8") and others keep their
// fraction ("3.5").
func deriveCalculatorResult(params map[string]string) (map[string]string, error) {
	a, err := strconv.ParseFloat(params["num1"], 64)
	if err != nil {
		return nil, fmt.Errorf("num1: %v", err)
	}
	b, err := strconv.ParseFloat(params["num2"], 64)
	if err != nil {
		return nil, fmt.Errorf("num2: %v", err)
	}

	var result float64
	switch params["operation"] {
	case "+":
		result = a + b
	case "-":
		result = a - b
	case "*":
		result = a * b
	case "/":
		if b == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		result = a / b
	default:
		return nil, fmt.Errorf("unknown operation %q", params["operation"])
	}

	formatted := strconv.FormatFloat(result, 'f', -1, 64)
	return map[string]string{"result": formatted}, nil
}

// notepadTemplate types text into the editor and takes a screenshot.
func notepadTemplate() *Template {
	return &Template{
		ID:              "notepad-text",
		Name:            "Notepad text entry",
		Description:     "Types the given text into notepad and captures the window",
		ApplicationPath: "notepad.exe",
		Parameters: []Parameter{
			{Name: "text", Type: TypeString, Required: true, Description: "Text to type"},
			{Name: "screenshot", Type: TypeBoolean, Required: false, Default: "true", Description: "Capture the window afterwards"},
		},
		Steps: []StepTemplate{
			{Order: 1, Type: job.StepWaitForElement, Target: "editor", TimeoutMs: 10000},
			{Order: 2, Type: job.StepSetText, Target: "editor", Value: "{text}", Description: "Type {text}"},
			{Order: 3, Type: job.StepTakeScreenshot, Target: "window", ContinueOnError: true},
		},
	}
}
