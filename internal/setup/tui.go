package setup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/vadiminshakov/execguard/internal/credentials"
	"github.com/vadiminshakov/execguard/internal/domain"
	"github.com/vadiminshakov/execguard/internal/vault"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	warning   = lipgloss.AdaptiveColor{Light: "#D7263D", Dark: "#FF5F5F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

const title = "EXECGUARD CREDENTIAL SETUP"

// Answers collected by the wizard.
type Answers struct {
	AccountType domain.AccountType
	Testnet     bool
	APIKey      string
	APISecret   string
	Note        string
	UserID      string
	Test        bool
}

// Result of committing the answers.
type Result struct {
	Saved credentials.AccountStatus
	Probe *credentials.ProbeResult
}

// Commit stores the answers and probes them when asked. The probe never enables trading.
func Commit(ctx context.Context, svc *credentials.Service, a Answers) (Result, error) {
	saved, err := svc.Save(vault.Entry{
		AccountType: a.AccountType,
		APIKey:      strings.TrimSpace(a.APIKey),
		APISecret:   strings.TrimSpace(a.APISecret),
		Testnet:     a.Testnet,
		Note:        strings.TrimSpace(a.Note),
		UserID:      strings.TrimSpace(a.UserID),
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{Saved: saved}
	if a.Test {
		probe, err := svc.Test(ctx, a.AccountType, nil, strings.TrimSpace(a.UserID))
		if err != nil {
			return res, err
		}
		res.Probe = &probe
	}

	return res, nil
}

// RunTUI launches the terminal credential wizard.
func RunTUI(ctx context.Context, svc *credentials.Service) error {
	var (
		accountType string
		network     string
		a           Answers
		confirm     bool
	)
	network = "testnet"
	a.Test = true

	// step 1: account
	clearScreen()
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Store exchange API keys in the local vault.\n"))
	fmt.Println(stepStyle.Render("STEP 1: ACCOUNT"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which account do these keys belong to?").
				Options(
					huh.NewOption("Spot", string(domain.AccountTypeSpot)),
					huh.NewOption("USDⓈ-M Futures", string(domain.AccountTypeFutures)),
				).
				Value(&accountType),
			huh.NewSelect[string]().
				Title("Network").
				Options(
					huh.NewOption("Testnet", "testnet"),
					huh.NewOption("Mainnet (real funds)", "mainnet"),
				).
				Value(&network),
		),
	).Run()
	if err != nil {
		return err
	}
	a.AccountType = domain.AccountType(accountType)
	a.Testnet = network == "testnet"

	// step 2: keys
	clearScreen()
	fmt.Println(stepStyle.Render("STEP 2: API KEYS"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("API Key").
				Value(&a.APIKey).
				Validate(validateKey),
			huh.NewInput().
				Title("API Secret").
				Value(&a.APISecret).
				EchoMode(huh.EchoModePassword).
				Validate(validateKey),
			huh.NewInput().
				Title("Note").
				Description("Optional label shown on status pages").
				Value(&a.Note),
			huh.NewInput().
				Title("User ID").
				Description("Leave empty for the shared single-tenant slot").
				Value(&a.UserID).
				Validate(validateUserID),
		),
	).Run()
	if err != nil {
		return err
	}

	// confirmation
	clearScreen()
	fmt.Println(stepStyle.Render("FINAL CONFIRMATION"))
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary(a)))
	if !a.Testnet {
		fmt.Println(lipgloss.NewStyle().Foreground(warning).Bold(true).Render(
			"Mainnet keys trade real funds. The daemon refuses them unless credentials.live_terms_accepted is true."))
	}

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Test connectivity after saving?").
				Value(&a.Test),
			huh.NewConfirm().
				Title("Save credentials?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := Commit(probeCtx, svc, a)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(
		fmt.Sprintf("\n✓ %s credentials saved (%s)", res.Saved.AccountType, res.Saved.MaskedKey)))
	if res.Probe != nil {
		if res.Probe.Connected {
			fmt.Println(lipgloss.NewStyle().Foreground(special).Render("✓ exchange accepted the keys"))
		} else {
			fmt.Println(lipgloss.NewStyle().Foreground(warning).Render("✗ connectivity test failed: " + res.Probe.Error))
		}
	}
	return nil
}

func clearScreen() {
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render(title))
}

func summary(a Answers) string {
	network := "testnet"
	if !a.Testnet {
		network = "MAINNET"
	}
	scope := "shared"
	if a.UserID != "" {
		scope = "user " + a.UserID
	}
	return fmt.Sprintf("Account: %s\nNetwork: %s\nAPI key: %s\nScope: %s\n",
		a.AccountType, network, domain.MaskKey(strings.TrimSpace(a.APIKey)), scope)
}

func validateKey(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("cannot be empty")
	}
	if strings.ContainsAny(s, " \t") {
		return fmt.Errorf("must not contain whitespace")
	}
	return nil
}

func validateUserID(s string) error {
	if strings.ContainsAny(strings.TrimSpace(s), " \t/\\") {
		return fmt.Errorf("must not contain whitespace or slashes")
	}
	return nil
}
