package router

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/config"
)

func fixedClassifier() *Classifier {
	c := New(nil)
	c.Now = func() time.Time { return time.Date(2025, time.June, 7, 9, 30, 0, 0, time.UTC) }
	return c
}

func TestClassify(t *testing.T) {
	cases := []struct {
		query  string
		mode   Mode
		intent string
		params []interface{}
	}{
		{"Who is working on 5/10/2025?", ModeStructured, IntentEmployeeShifts, []interface{}{"5/10/2025"}},
		{"Who worked on May 3, 2025?", ModeStructured, IntentEmployeeShifts, []interface{}{"5/3/2025"}},
		{"Which employees working today?", ModeStructured, IntentEmployeeShifts, []interface{}{"06/07/2025"}},
		{"Who worked as a Line Cook on 5/10/2025?", ModeStructured, IntentEmployeesByPosition, []interface{}{"Line Cook", "5/10/2025"}},
		{"Who worked as a cashier?", ModeStructured, IntentEmployeesByPosition, []interface{}{"cashier", "06/07/2025"}},
		{"Show position Server on 4/1/2025", ModeStructured, IntentEmployeesByPosition, []interface{}{"Server", "4/1/2025"}},
		{"What was the labor cost from 5/1/2025 to 5/15/2025?", ModeStructured, IntentLaborCost, []interface{}{"5/1/2025", "5/15/2025"}},
		{"What was the labor cost in February?", ModeStructured, IntentLaborCost, []interface{}{"2/1/2025", "2/28/2025"}},
		{"Labor cost so far", ModeStructured, IntentLaborCost, []interface{}{"6/1/2025", "6/7/2025"}},
		{"Look up employee id emp001", ModeStructured, IntentEmployeeByID, []interface{}{"emp001"}},
		{"What were the total sales in May?", ModeRetrieval, "", nil},
	}
	c := fixedClassifier()
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			d := c.Classify(tc.query)
			assert.Equal(t, tc.mode, d.Mode)
			assert.Equal(t, tc.intent, d.Intent)
			assert.Equal(t, tc.params, d.Params)
			assert.NoError(t, d.Err)
		})
	}
}

func TestClassifyDegradesOnMissingParams(t *testing.T) {
	c := fixedClassifier()

	d := c.Classify("What is my employee id?")
	assert.Equal(t, ModeRetrieval, d.Mode)
	assert.Equal(t, IntentEmployeeByID, d.MatchedIntent)
	assert.True(t, errors.Is(d.Err, errs.ErrRoutingAmbiguity))
	assert.Equal(t, "retrieval", d.QueryType())

	d = c.Classify("Which position?")
	assert.Equal(t, ModeRetrieval, d.Mode)
	assert.Equal(t, IntentEmployeesByPosition, d.MatchedIntent)
	assert.Nil(t, d.Params)
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := fixedClassifier()
	for _, q := range []string{"Who is working on 5/10/2025?", "total sales", "labor cost in march"} {
		assert.Equal(t, c.Classify(q), c.Classify(q))
	}
}

func TestFirstMatchWins(t *testing.T) {
	c := fixedClassifier()
	d := c.Classify("Who is working the position Host on 5/10/2025?")
	assert.Equal(t, IntentEmployeeShifts, d.Intent)
	assert.Equal(t, "sql:employee_shifts", d.QueryType())
}

func TestFromConfigRules(t *testing.T) {
	c := FromConfig(config.RouterConfig{Rules: []config.RouterRule{
		{Phrase: "  Roster ", Intent: IntentEmployeeShifts},
		{Phrase: "", Intent: IntentLaborCost},
	}})
	c.Now = fixedClassifier().Now

	d := c.Classify("show the ROSTER on 1/2/2025")
	assert.Equal(t, IntentEmployeeShifts, d.Intent)
	assert.Equal(t, []interface{}{"1/2/2025"}, d.Params)

	assert.Equal(t, ModeRetrieval, c.Classify("who is working today").Mode)
}
