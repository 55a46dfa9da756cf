package resolution

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/normalizers"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

const dateLayout = "2006-01-02"

var genderSynonyms = map[string]models.Gender{
	"m":         models.GenderMale,
	"male":      models.GenderMale,
	"men":       models.GenderMale,
	"boys":      models.GenderMale,
	"f":         models.GenderFemale,
	"female":    models.GenderFemale,
	"women":     models.GenderFemale,
	"girls":     models.GenderFemale,
	"o":         models.GenderOther,
	"x":         models.GenderOther,
	"other":     models.GenderOther,
	"nonbinary": models.GenderOther,
}

var teamTypeSynonyms = map[string]models.TeamType{
	"high_school": models.TeamTypeHighSchool,
	"high school": models.TeamTypeHighSchool,
	"hs":          models.TeamTypeHighSchool,
	"club":        models.TeamTypeClub,
	"usa":         models.TeamTypeClub,
	"college":     models.TeamTypeCollege,
	"ncaa":        models.TeamTypeCollege,
}

// parsedObservation is a RawObservation lifted into typed attributes.
type parsedObservation struct {
	raw        models.RawObservation
	attributes models.Attributes
	// alias is the spelling recorded on the entity the observation resolves to.
	alias       string
	performance *performance
}

// performance holds the result fields a swimmer observation may carry.
type performance struct {
	event     models.EventAttributes
	seconds   float64
	meet      string
	date      *time.Time
	rank      int
	rankScope string
	season    string
}

func (p *parsedObservation) mapping() (models.SourceMapping, bool) {
	return p.raw.Mapping()
}

func (p *parsedObservation) aliasRecord() models.Alias {
	return models.Alias{Raw: p.alias, Source: p.raw.Source, ObservedAt: p.raw.ObservedAt.UTC()}
}

// seed builds the entity an observation creates when it matches nothing.
func (p *parsedObservation) seed() *models.CanonicalEntity {
	e := &models.CanonicalEntity{Kind: p.raw.Kind, Attributes: p.attributes.Clone()}
	e.AddAlias(p.aliasRecord())
	if m, ok := p.mapping(); ok {
		e.AddMapping(m)
	}
	return e
}

func parseObservation(n *normalizers.Normalizer, obs models.RawObservation) (*parsedObservation, error) {
	if err := validate.Struct(obs); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, &MalformedObservationError{Field: verrs[0].Field(), Reason: "failed " + verrs[0].Tag(), Err: err}
		}
		return nil, &MalformedObservationError{Reason: err.Error(), Err: err}
	}

	p := &parsedObservation{raw: obs}
	var err error
	switch obs.Kind {
	case models.EntityKindSwimmer:
		err = p.parseSwimmer(n)
	case models.EntityKindTeam:
		err = p.parseTeam()
	case models.EntityKindEvent:
		err = p.parseEvent(n)
	default:
		err = &MalformedObservationError{Field: "entity_kind", Reason: "unsupported kind " + string(obs.Kind)}
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *parsedObservation) attr(key string) string {
	return strings.TrimSpace(p.raw.Attributes[key])
}

func (p *parsedObservation) parseSwimmer(n *normalizers.Normalizer) error {
	name := p.attr(models.AttrName)
	if name == "" {
		return &MalformedObservationError{Field: models.AttrName, Reason: "required"}
	}

	gender, err := parseGender(p.attr(models.AttrGender))
	if err != nil {
		return err
	}

	birthYear, err := p.birthYear()
	if err != nil {
		return err
	}

	s := &models.SwimmerAttributes{
		Name:      name,
		Gender:    gender,
		BirthYear: birthYear,
		State:     strings.ToUpper(p.attr(models.AttrState)),
	}

	if team := p.attr(models.AttrTeam); team != "" {
		affiliation, err := p.affiliation(n, team)
		if err != nil {
			return err
		}
		s.Affiliations = []models.Affiliation{affiliation}
	}

	p.attributes = models.Attributes{Kind: models.EntityKindSwimmer, Swimmer: s}
	p.alias = name

	perf, err := p.parsePerformance(n)
	if err != nil {
		return err
	}
	p.performance = perf
	return nil
}

func parseGender(raw string) (models.Gender, error) {
	if raw == "" {
		return models.GenderUnknown, nil
	}
	g, ok := genderSynonyms[strings.ToLower(raw)]
	if !ok {
		return "", &MalformedObservationError{Field: models.AttrGender, Reason: "unrecognized gender " + strconv.Quote(raw)}
	}
	return g, nil
}

// birthYear prefers an explicit birth_year and falls back to observed year minus age.
func (p *parsedObservation) birthYear() (int, error) {
	if raw := p.attr(models.AttrBirthYear); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil || year < 1900 || year > p.raw.ObservedAt.Year() {
			return 0, &MalformedObservationError{Field: models.AttrBirthYear, Reason: "invalid year " + strconv.Quote(raw), Err: err}
		}
		return year, nil
	}
	if raw := p.attr(models.AttrAge); raw != "" {
		age, err := strconv.Atoi(raw)
		if err != nil || age <= 0 || age > 120 {
			return 0, &MalformedObservationError{Field: models.AttrAge, Reason: "invalid age " + strconv.Quote(raw), Err: err}
		}
		return p.raw.ObservedAt.Year() - age, nil
	}
	return 0, nil
}

// affiliation spans the season ("2023-2024"), the year, or the year the observation was made.
func (p *parsedObservation) affiliation(n *normalizers.Normalizer, team string) (models.Affiliation, error) {
	name := n.Normalize(team, normalizers.TeamName).Display
	if name == "" {
		name = normalizers.Fold(team)
	}

	from, to := p.raw.ObservedAt.Year(), p.raw.ObservedAt.Year()
	switch {
	case p.attr(models.AttrSeason) != "":
		start, end, err := parseSeason(p.attr(models.AttrSeason))
		if err != nil {
			return models.Affiliation{}, err
		}
		from, to = start, end
	case p.attr(models.AttrYear) != "":
		year, err := strconv.Atoi(p.attr(models.AttrYear))
		if err != nil {
			return models.Affiliation{}, &MalformedObservationError{Field: models.AttrYear, Reason: "invalid year", Err: err}
		}
		from, to = year, year
	}
	return models.Affiliation{Team: name, FromYear: from, ToYear: to}, nil
}

func parseSeason(raw string) (int, int, error) {
	parts := strings.SplitN(raw, "-", 2)
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, &MalformedObservationError{Field: models.AttrSeason, Reason: "invalid season " + strconv.Quote(raw), Err: err}
	}
	if len(parts) == 1 {
		return start, start, nil
	}
	endRaw := strings.TrimSpace(parts[1])
	end, err := strconv.Atoi(endRaw)
	if err != nil {
		return 0, 0, &MalformedObservationError{Field: models.AttrSeason, Reason: "invalid season " + strconv.Quote(raw), Err: err}
	}
	// "2023-24"
	if len(endRaw) == 2 {
		end += start / 100 * 100
	}
	if end < start {
		return 0, 0, &MalformedObservationError{Field: models.AttrSeason, Reason: "season ends before it starts"}
	}
	return start, end, nil
}

// parsePerformance returns nil when the observation carries no time and no rank.
func (p *parsedObservation) parsePerformance(n *normalizers.Normalizer) (*performance, error) {
	rawTime, rawRank := p.attr(models.AttrTime), p.attr(models.AttrRank)
	if rawTime == "" && rawRank == "" {
		return nil, nil
	}

	label := p.attr(models.AttrEvent)
	if label == "" {
		return nil, &MalformedObservationError{Field: models.AttrEvent, Reason: "required with time or rank"}
	}
	form := n.Normalize(label, normalizers.EventLabel)

	perf := &performance{
		event:     *form.Event,
		meet:      p.attr(models.AttrMeet),
		rankScope: p.attr(models.AttrRankScope),
		season:    p.attr(models.AttrSeason),
	}

	if rawTime != "" {
		seconds, err := n.ParseTime(rawTime)
		if err != nil {
			return nil, &MalformedObservationError{Field: models.AttrTime, Reason: err.Error(), Err: err}
		}
		perf.seconds = seconds
	}
	if rawRank != "" {
		rank, err := strconv.Atoi(rawRank)
		if err != nil || rank <= 0 {
			return nil, &MalformedObservationError{Field: models.AttrRank, Reason: "invalid rank " + strconv.Quote(rawRank), Err: err}
		}
		perf.rank = rank
	}
	if raw := p.attr(models.AttrDate); raw != "" {
		date, err := time.Parse(dateLayout, raw)
		if err != nil {
			return nil, &MalformedObservationError{Field: models.AttrDate, Reason: "invalid date " + strconv.Quote(raw), Err: err}
		}
		perf.date = &date
	}
	return perf, nil
}

func (p *parsedObservation) parseTeam() error {
	name := p.attr(models.AttrName)
	if name == "" {
		return &MalformedObservationError{Field: models.AttrName, Reason: "required"}
	}

	teamType := models.TeamTypeUnknown
	if raw := p.attr(models.AttrTeamType); raw != "" {
		t, ok := teamTypeSynonyms[strings.ToLower(raw)]
		if !ok {
			return &MalformedObservationError{Field: models.AttrTeamType, Reason: "unrecognized team type " + strconv.Quote(raw)}
		}
		teamType = t
	}

	p.attributes = models.Attributes{
		Kind: models.EntityKindTeam,
		Team: &models.TeamAttributes{
			Name:      name,
			ShortName: p.attr(models.AttrShortName),
			Type:      teamType,
			State:     strings.ToUpper(p.attr(models.AttrState)),
		},
	}
	p.alias = name
	return nil
}

// parseEvent accepts a label, which may stay unresolved, or a structured tuple.
func (p *parsedObservation) parseEvent(n *normalizers.Normalizer) error {
	if label := p.attr(models.AttrEvent); label != "" {
		form := n.Normalize(label, normalizers.EventLabel)
		p.attributes = models.Attributes{Kind: models.EntityKindEvent, Event: form.Event}
		p.alias = label
		return nil
	}

	rawDistance := p.attr(models.AttrDistance)
	if rawDistance == "" {
		return &MalformedObservationError{Field: models.AttrEvent, Reason: "event label or distance required"}
	}
	distance, err := strconv.Atoi(rawDistance)
	if err != nil || distance <= 0 {
		return &MalformedObservationError{Field: models.AttrDistance, Reason: "invalid distance " + strconv.Quote(rawDistance), Err: err}
	}

	event := models.EventAttributes{
		Distance: distance,
		Stroke:   models.Stroke(strings.ToLower(p.attr(models.AttrStroke))),
		Course:   models.Course(strings.ToUpper(p.attr(models.AttrCourse))),
	}
	switch event.Stroke {
	case models.StrokeFree, models.StrokeBack, models.StrokeBreast, models.StrokeFly, models.StrokeIM, models.StrokeMedley:
	default:
		return &MalformedObservationError{Field: models.AttrStroke, Reason: "unrecognized stroke " + strconv.Quote(string(event.Stroke))}
	}
	switch event.Course {
	case models.CourseSCY, models.CourseSCM, models.CourseLCM:
	case "":
		event.Course = models.CourseSCY
	default:
		return &MalformedObservationError{Field: models.AttrCourse, Reason: "unrecognized course " + strconv.Quote(string(event.Course))}
	}
	if raw := p.attr(models.AttrRelay); raw != "" {
		relay, err := strconv.ParseBool(raw)
		if err != nil {
			return &MalformedObservationError{Field: models.AttrRelay, Reason: "invalid relay flag", Err: err}
		}
		event.Relay = relay
	}

	p.attributes = models.Attributes{Kind: models.EntityKindEvent, Event: &event}
	p.alias = models.EventLabel(event)
	return nil
}
