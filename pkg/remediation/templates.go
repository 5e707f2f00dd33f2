// Package remediation renders gcloud remediation scripts for findings with a
// registered rule code. Rendering is pure and deterministic: same finding,
// same output.
package remediation

// Template is one registered remediation, keyed by rule code. Script bodies
// reference only the {asset} and {project_id} placeholders.
type Template struct {
	Title  string
	Script string
	Notes  string
}

// Registry maps rule codes to remediation templates. Read-only, defined at
// build time. Findings without an entry are returned unmodified.
var Registry = map[string]Template{
	"gcp_002": {
		Title: "Restrict open SSH ingress",
		Script: `# Replace the 0.0.0.0/0 source range with your admin CIDR.
gcloud compute firewall-rules update {asset} \
  --project={project_id} \
  --source-ranges=10.0.0.0/8

# Or delete the rule outright if it is not needed:
# gcloud compute firewall-rules delete {asset} --project={project_id} --quiet`,
		Notes: "Confirm an alternative access path (IAP, VPN, bastion) exists before applying.",
	},
	"gcp_004": {
		Title: "Remove public access from bucket",
		Script: `gcloud storage buckets remove-iam-policy-binding gs://{asset} \
  --project={project_id} \
  --member=allUsers --role=roles/storage.objectViewer

gcloud storage buckets remove-iam-policy-binding gs://{asset} \
  --project={project_id} \
  --member=allAuthenticatedUsers --role=roles/storage.objectViewer

gcloud storage buckets update gs://{asset} --public-access-prevention`,
		Notes: "Verify no legitimate public consumers (static site, CDN origin) depend on this bucket.",
	},
	"gcp_006": {
		Title: "Detach default compute service account",
		Script: `# Create a dedicated least-privilege service account first, then:
gcloud compute instances stop {asset} --project={project_id}
gcloud compute instances set-service-account {asset} \
  --project={project_id} \
  --service-account=REPLACEMENT_SA@{project_id}.iam.gserviceaccount.com \
  --scopes=cloud-platform
gcloud compute instances start {asset} --project={project_id}`,
		Notes: "The instance restarts during the service-account swap.",
	},
	"log_002": {
		Title: "Block repeated authentication failures",
		Script: `# Review the offending source addresses first:
gcloud logging read 'severity>=WARNING AND textPayload:"Invalid user"' \
  --project={project_id} --limit=50

# Then deny them at the firewall:
gcloud compute firewall-rules create deny-auth-abuse-{asset} \
  --project={project_id} \
  --action=DENY --rules=tcp:22 --source-ranges=OFFENDING_CIDR \
  --priority=100`,
		Notes: "Prefer enabling OS Login and disabling password authentication long-term.",
	},
}
