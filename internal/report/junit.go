// SPDX-License-Identifier: MPL-2.0

package report

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/envmatrix/envmatrix/internal/steprun"
)

type (
	junitSuites struct {
		XMLName  xml.Name     `xml:"testsuites"`
		Name     string       `xml:"name,attr"`
		Tests    int          `xml:"tests,attr"`
		Failures int          `xml:"failures,attr"`
		Errors   int          `xml:"errors,attr"`
		Skipped  int          `xml:"skipped,attr"`
		Time     float64      `xml:"time,attr"`
		Suites   []junitSuite `xml:"testsuite"`
	}

	junitSuite struct {
		Name       string          `xml:"name,attr"`
		Tests      int             `xml:"tests,attr"`
		Failures   int             `xml:"failures,attr"`
		Errors     int             `xml:"errors,attr"`
		Skipped    int             `xml:"skipped,attr"`
		Time       float64         `xml:"time,attr"`
		Properties []junitProperty `xml:"properties>property,omitempty"`
		Cases      []junitCase     `xml:"testcase"`
	}

	junitProperty struct {
		Name  string `xml:"name,attr"`
		Value string `xml:"value,attr"`
	}

	junitCase struct {
		Name      string        `xml:"name,attr"`
		Classname string        `xml:"classname,attr"`
		Time      float64       `xml:"time,attr"`
		Failure   *junitMessage `xml:"failure,omitempty"`
		Error     *junitMessage `xml:"error,omitempty"`
		Skipped   *junitMessage `xml:"skipped,omitempty"`
		SystemOut string        `xml:"system-out,omitempty"`
		SystemErr string        `xml:"system-err,omitempty"`
	}

	junitMessage struct {
		Message string `xml:"message,attr,omitempty"`
		Body    string `xml:",chardata"`
	}
)

// RenderJUnit writes the report as JUnit XML: one testsuite per environment
// and one testcase per step. Environments that ended before running any step
// get a single errored testcase so that every verdict is visible.
func RenderJUnit(w io.Writer, r *RunReport) error {
	doc := junitSuites{Name: "envmatrix: " + r.Matrix, Time: r.Duration().Seconds()}
	for _, env := range r.Environments {
		suite := junitSuite{
			Name: env.Name,
			Time: env.Duration.Seconds(),
			Properties: []junitProperty{
				{Name: "runtime", Value: string(env.Runtime)},
				{Name: "verdict", Value: string(env.Verdict)},
				{Name: "fingerprint", Value: env.Fingerprint},
			},
		}
		for _, s := range env.Steps {
			suite.Cases = append(suite.Cases, junitStep(env.Name, s, &suite))
		}
		if len(env.Steps) == 0 && env.Verdict != VerdictPassed {
			suite.Cases = append(suite.Cases, junitCase{
				Name:      "provision",
				Classname: env.Name,
				Error:     &junitMessage{Message: string(env.Verdict), Body: env.Reason},
			})
			suite.Errors++
		}
		suite.Tests = len(suite.Cases)

		doc.Tests += suite.Tests
		doc.Failures += suite.Failures
		doc.Errors += suite.Errors
		doc.Skipped += suite.Skipped
		doc.Suites = append(doc.Suites, suite)
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode junit report: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func junitStep(env string, s steprun.StepResult, suite *junitSuite) junitCase {
	c := junitCase{
		Name:      s.ID(),
		Classname: env + "." + string(s.Phase),
		Time:      s.Duration.Seconds(),
		SystemOut: s.Stdout,
		SystemErr: s.Stderr,
	}
	msg := fmt.Sprintf("exit %d", s.ExitCode)
	switch s.Status {
	case steprun.StatusFailed:
		c.Failure = &junitMessage{Message: msg, Body: failureBody(s)}
		suite.Failures++
	case steprun.StatusErrored, steprun.StatusCancelled:
		c.Error = &junitMessage{Message: string(s.Status), Body: s.Reason}
		suite.Errors++
	case steprun.StatusSkipped:
		c.Skipped = &junitMessage{Message: s.Reason}
		suite.Skipped++
	}
	return c
}

func failureBody(s steprun.StepResult) string {
	body := "$ " + s.Command
	if s.Reason != "" {
		body += "\n" + s.Reason
	}
	return strings.TrimSpace(body)
}
