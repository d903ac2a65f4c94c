package prompts

// explorationCode is the pandas snippet the model is asked to run
// against the dataset before the first user question.
const explorationCode = `
# Auto-exploración inicial de los datos reales de la empresa
print("=== ESTRUCTURA DE DATOS REALES DE LA EMPRESA ===")
print(f"Forma del dataset: {df.shape}")
print(f"Columnas disponibles: {df.columns.tolist()}")
print("\n=== TIPOS DE DATOS ===")
print(df.dtypes)
print("\n=== PRIMERAS 5 FILAS ===")
print(df.head())
`

// ExplorationInstruction is the user turn that opens every conversation,
// asking the model to inspect the dataset with its tools.
func ExplorationInstruction() string {
	return "Explora automáticamente los datos usando: " + explorationCode
}

// IntroductionRequest asks the model to introduce itself.
const IntroductionRequest = "¡Hola! Por favor preséntate, dime quién eres y qué puedes hacer."
