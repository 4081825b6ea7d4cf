package main

import (
	"context"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/aemo"
	"github.com/tariffpilot/tariffpilot/pkg/amber"
	"github.com/tariffpilot/tariffpilot/pkg/engine"
	"github.com/tariffpilot/tariffpilot/pkg/log"
	"github.com/tariffpilot/tariffpilot/pkg/powerwall"
	"github.com/tariffpilot/tariffpilot/pkg/storage"
	"github.com/tariffpilot/tariffpilot/pkg/types"

	"github.com/levenlabs/go-lflag"
)

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	eng := engine.Configured(s, amber.Configured(), powerwall.Configured(), aemo.Configured())

	email := lflag.String("seed-email", "demo@example.com", "email of the seeded user")
	amberToken := lflag.String("seed-amber-token", "psk_demo", "Amber API token for the seeded user")
	amberSite := lflag.String("seed-amber-site", "01ABCDEF", "Amber site ID for the seeded user")
	teslaToken := lflag.String("seed-tesla-token", "demo-access-token", "Tesla access token for the seeded user")
	teslaSite := lflag.String("seed-tesla-site", "1234567890", "Tesla energy site ID for the seeded user")
	lflag.Configure()

	ctx := context.Background()
	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	creds := types.Credentials{
		Amber: &types.AmberCredentials{APIToken: *amberToken, SiteID: *amberSite},
		Tesla: &types.TeslaCredentials{
			AccessToken:  *teslaToken,
			EnergySiteID: *teslaSite,
		},
	}
	encrypted, err := eng.EncryptCredentials(creds)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to encrypt credentials", "error", err)
		os.Exit(1)
	}

	policy := types.UserPolicy{
		Email:                       *email,
		SiteID:                      *amberSite,
		SyncEnabled:                 true,
		ForecastType:                types.ForecastPredicted,
		SolarCurtailmentEnabled:     true,
		SpikeThresholdDollarsPerMWH: 300,
		CurrentExportRule:           types.ExportBatteryOK,
		Demand: types.DemandConfig{
			Enabled:              true,
			Peak:                 types.ClockWindow{StartHour: 14, EndHour: 20},
			Weekdays:             []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			AppliesTo:            types.DemandBuy,
			PeakDollarsPerKW:     12.5,
			DailySupplyDollars:   1.1,
			MonthlySupplyDollars: 0,
		},
		EncryptedCredentials: encrypted,
	}
	if err := s.SetPolicy(ctx, *email, policy, types.CurrentPolicyVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed policy", "error", err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	now := time.Now()
	start := now.Truncate(24 * time.Hour)

	// a day of 5-minute prices following a rough duck curve
	for t := start; t.Before(now); t = t.Add(5 * time.Minute) {
		hour := t.Hour()

		baseCents := 20.0
		switch {
		case hour >= 10 && hour < 15:
			baseCents = 2.0 // solar glut, near-free power
		case hour >= 17 && hour < 21:
			baseCents = 45.0 // evening peak
		case hour >= 21 || hour < 6:
			baseCents = 14.0
		}
		baseCents += rng.Float64()*4 - 2

		feedInCents := baseCents * 0.7
		if hour >= 10 && hour < 15 {
			feedInCents = -1.0 // paying to export at midday
		}

		for _, p := range []types.PriceInterval{
			{
				NemTime:     t.Add(5 * time.Minute),
				Duration:    5,
				ChannelType: types.ChannelGeneral,
				Kind:        types.KindActual,
				PerKWH:      baseCents,
				SpotPerKWH:  baseCents * 0.8,
			},
			{
				NemTime:     t.Add(5 * time.Minute),
				Duration:    5,
				ChannelType: types.ChannelFeedIn,
				Kind:        types.KindActual,
				PerKWH:      feedInCents,
			},
		} {
			if err := s.UpsertPrice(ctx, *email, p); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to seed price", "error", err)
				os.Exit(1)
			}
		}
	}

	// matching energy flow snapshots every 15 minutes
	soc := 40.0
	for t := start; t.Before(now); t = t.Add(15 * time.Minute) {
		hour := t.Hour()

		solarW := 0.0
		if hour > 6 && hour < 19 {
			dist := math.Abs(float64(hour) - 13.0)
			solarW = 8000 * math.Exp(-(dist*dist)/12.0)
		}
		loadW := 1200 + rng.Float64()*800
		if hour >= 18 && hour < 22 {
			loadW += 2500
		}

		batteryW := 0.0
		if solarW > loadW && soc < 98 {
			batteryW = -(solarW - loadW) // charging
			soc = math.Min(98, soc+1.5)
		} else if hour >= 17 && hour < 21 && soc > 20 {
			batteryW = loadW * 0.9
			soc = math.Max(20, soc-2)
		}
		gridW := loadW - solarW - batteryW

		if err := s.UpsertEnergySample(ctx, *email, types.EnergySample{
			Timestamp:         t,
			BatteryPowerW:     batteryW,
			SolarPowerW:       solarW,
			LoadPowerW:        loadW,
			GridPowerW:        gridW,
			PercentageCharged: soc,
		}); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed energy sample", "error", err)
			os.Exit(1)
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data", "email", *email)
}
