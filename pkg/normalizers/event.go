package normalizers

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Ramsey-B/lily/pkg/models"
)

// strokeRule maps a pattern over the folded label to a stroke. Rules are tried in order.
type strokeRule struct {
	pattern   *regexp.Regexp
	stroke    models.Stroke
	relayOnly bool
}

var strokeRules = []strokeRule{
	{pattern: regexp.MustCompile(`\bmedley\b`), stroke: models.StrokeMedley, relayOnly: true},
	{pattern: regexp.MustCompile(`\b(individual medley|im|i m)\b`), stroke: models.StrokeIM},
	{pattern: regexp.MustCompile(`\bmedley\b`), stroke: models.StrokeIM},
	{pattern: regexp.MustCompile(`\b(freestyle|free|fr|fs)\b`), stroke: models.StrokeFree},
	{pattern: regexp.MustCompile(`\b(backstroke|back|bk)\b`), stroke: models.StrokeBack},
	{pattern: regexp.MustCompile(`\b(breaststroke|breast|br)\b`), stroke: models.StrokeBreast},
	{pattern: regexp.MustCompile(`\b(butterfly|fly|fl)\b`), stroke: models.StrokeFly},
}

// courseRule maps an explicit course marker to a course. Checked before unit hints.
type courseRule struct {
	pattern *regexp.Regexp
	course  models.Course
}

var courseRules = []courseRule{
	{pattern: regexp.MustCompile(`\b(scm|short course meters?|short course metres?)\b`), course: models.CourseSCM},
	{pattern: regexp.MustCompile(`\b(lcm|long course( meters?| metres?)?)\b`), course: models.CourseLCM},
	{pattern: regexp.MustCompile(`\b(scy|short course yards?)\b`), course: models.CourseSCY},
}

// eventLookup holds labels no rule can derive.
var eventLookup = map[string]models.EventAttributes{
	"mile":        {Distance: 1650, Stroke: models.StrokeFree, Course: models.CourseSCY},
	"the mile":    {Distance: 1650, Stroke: models.StrokeFree, Course: models.CourseSCY},
	"metric mile": {Distance: 1500, Stroke: models.StrokeFree, Course: models.CourseLCM},
}

var (
	noisePattern    = regexp.MustCompile(`\b(event \d+|national record|record|boys|girls|mens|men|womens|women|finals?|prelims?|timed)\b`)
	relayLegPattern = regexp.MustCompile(`\b(\d)\s*x\s*(\d{2,4})\b`)
	distancePattern = regexp.MustCompile(`\b(\d{2,4})\s*(y|yd|yds|yard|yards|m|meter|meters|metre|metres)?\b`)
	relayPattern    = regexp.MustCompile(`\brelay\b`)
)

func (n *Normalizer) normalizeEvent(raw string) NormalizedForm {
	folded := Fold(raw)
	cleaned := strings.Join(strings.Fields(noisePattern.ReplaceAllString(folded, " ")), " ")

	form := NormalizedForm{
		Kind:     EventLabel,
		Original: raw,
		Folded:   folded,
		Tokens:   sortedTokens(strings.Fields(cleaned)),
	}

	event, ok := eventLookup[cleaned]
	if !ok {
		event, ok = n.parseEvent(cleaned)
	}
	if !ok {
		unresolved := models.EventAttributes{Unresolved: strings.TrimSpace(raw)}
		form.Event = &unresolved
		form.Unresolved = true
		form.Display = folded
		return form
	}

	form.Event = &event
	form.Display = strings.ToLower(models.EventLabel(event))
	return form
}

func (n *Normalizer) parseEvent(label string) (models.EventAttributes, bool) {
	var event models.EventAttributes
	unit := ""

	if m := relayLegPattern.FindStringSubmatch(label); m != nil {
		legs, _ := strconv.Atoi(m[1])
		leg, _ := strconv.Atoi(m[2])
		event.Distance = legs * leg
		event.Relay = true
		label = strings.Replace(label, m[0], " ", 1)
	} else if m := distancePattern.FindStringSubmatch(label); m != nil {
		event.Distance, _ = strconv.Atoi(m[1])
		unit = m[2]
	}
	if event.Distance <= 0 {
		return models.EventAttributes{}, false
	}

	if relayPattern.MatchString(label) {
		event.Relay = true
	}

	for _, rule := range strokeRules {
		if rule.relayOnly && !event.Relay {
			continue
		}
		if rule.pattern.MatchString(label) {
			event.Stroke = rule.stroke
			break
		}
	}
	if event.Stroke == "" {
		return models.EventAttributes{}, false
	}

	event.Course = n.courseFor(label, unit)
	return event, true
}

func (n *Normalizer) courseFor(label, unit string) models.Course {
	for _, rule := range courseRules {
		if rule.pattern.MatchString(label) {
			return rule.course
		}
	}
	switch unit {
	case "y", "yd", "yds", "yard", "yards":
		return models.CourseSCY
	case "m", "meter", "meters", "metre", "metres":
		return models.CourseLCM
	}
	if strings.Contains(label, " yard") {
		return models.CourseSCY
	}
	return n.cfg.DefaultCourse
}
