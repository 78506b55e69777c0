package disruptions

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfsrt-aggregator/internal/source/sourcetest"
)

const document = `<?xml version="1.0" encoding="UTF-8"?>
<Siri xmlns="http://www.siri.org.uk/siri" version="2.0">
 <ServiceDelivery>
  <SituationExchangeDelivery>
   <Situations>
    <PtSituationElement>
     <SituationNumber>S1</SituationNumber>
     <ValidityPeriod><StartTime>2024-03-12T08:00:00Z</StartTime><EndTime>2024-03-12T18:00:00Z</EndTime></ValidityPeriod>
     <ValidityPeriod><StartTime>2024-03-13T08:00:00Z</StartTime></ValidityPeriod>
     <Summary>Road closed</Summary>
     <Description>Princes Street is closed.</Description>
     <InfoLinks><InfoLink><Uri>https://example.org/s1</Uri></InfoLink><InfoLink><Uri>https://example.org/other</Uri></InfoLink></InfoLinks>
     <Consequences>
      <Consequence>
       <Affects>
        <Networks><AffectedNetwork>
         <AffectedLine><AffectedOperator><OperatorRef>LOTH</OperatorRef></AffectedOperator><LineRef>10</LineRef></AffectedLine>
         <AffectedLine><AffectedOperator><OperatorRef>LOTH</OperatorRef></AffectedOperator><LineRef>999</LineRef></AffectedLine>
        </AffectedNetwork></Networks>
        <Operators><AffectedOperator><OperatorRef>FGL</OperatorRef></AffectedOperator></Operators>
        <StopPoints><AffectedStopPoint><StopPointRef>S100</StopPointRef></AffectedStopPoint></StopPoints>
       </Affects>
       <Advice><Details>Use Rose Street.</Details></Advice>
      </Consequence>
      <Consequence>
       <Affects>
        <Networks><AffectedNetwork><AffectedLine><AffectedOperator><OperatorRef>NOPE</OperatorRef></AffectedOperator><LineRef>1</LineRef></AffectedLine></AffectedNetwork></Networks>
        <StopPoints><AffectedStopPoint><StopPointRef>S200</StopPointRef></AffectedStopPoint></StopPoints>
       </Affects>
      </Consequence>
     </Consequences>
    </PtSituationElement>
   </Situations>
  </SituationExchangeDelivery>
 </ServiceDelivery>
</Siri>`

func schedule() *sourcetest.Schedule {
	return &sourcetest.Schedule{
		Operators: map[string]string{"LOTH": "LB", "FGL": "FG"},
		Routes:    map[string]string{"LB|10": "R10"},
	}
}

func TestPollConvertsSituations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(document))
	}))
	defer srv.Close()

	now := time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)
	a := New(Config{Name: "disruptions", URL: srv.URL}, schedule(), srv.Client())
	a.now = func() time.Time { return now }

	snap, err := a.Poll(context.Background())
	require.NoError(t, err)

	// the second consequence informs nothing the schedule knows
	require.Len(t, snap.Entities, 1)
	alert := snap.Entities[0].GetAlert()
	require.NotNil(t, alert)
	assert.NotEmpty(t, snap.Entities[0].GetId())

	require.Len(t, alert.GetInformedEntity(), 2)
	assert.Equal(t, "R10", alert.GetInformedEntity()[0].GetRouteId())
	assert.Equal(t, "FG", alert.GetInformedEntity()[1].GetAgencyId())
	assert.Equal(t, gtfsrt.Alert_OTHER_CAUSE, alert.GetCause())
	assert.Equal(t, gtfsrt.Alert_OTHER_EFFECT, alert.GetEffect())
	assert.Equal(t, "Road closed", alert.GetHeaderText().GetTranslation()[0].GetText())
	assert.Equal(t, "Princes Street is closed. Use Rose Street.", alert.GetDescriptionText().GetTranslation()[0].GetText())
	assert.Equal(t, "https://example.org/s1", alert.GetUrl().GetTranslation()[0].GetText())

	require.Len(t, alert.GetActivePeriod(), 2)
	assert.Equal(t, uint64(time.Date(2024, 3, 12, 18, 0, 0, 0, time.UTC).Unix()), alert.GetActivePeriod()[0].GetEnd())
	assert.Equal(t, uint64(now.Add(openEnded).Unix()), alert.GetActivePeriod()[1].GetEnd())

	// one stop alert covers the stops of every consequence
	require.Len(t, snap.StopAlerts["S100"], 1)
	require.Len(t, snap.StopAlerts["S200"], 1)
	stopAlert := snap.StopAlerts["S100"][0]
	assert.Same(t, stopAlert, snap.StopAlerts["S200"][0])
	assert.Equal(t, "Princes Street is closed.", stopAlert.GetDescriptionText().GetTranslation()[0].GetText())

	// ids are stable across polls
	again, err := a.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.Entities[0].GetId(), again.Entities[0].GetId())
}

func TestPollFailsOnScheduleError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(document))
	}))
	defer srv.Close()

	sched := schedule()
	sched.Err = errors.New("db down")
	_, err := New(Config{Name: "disruptions", URL: srv.URL}, sched, srv.Client()).Poll(context.Background())
	assert.Error(t, err)
}

func TestPollFailsOnMalformedXML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<Siri><ServiceDelivery>"))
	}))
	defer srv.Close()

	_, err := New(Config{Name: "disruptions", URL: srv.URL}, schedule(), srv.Client()).Poll(context.Background())
	assert.Error(t, err)
}
